// Package daemon is the detach/attach coordinator.
//
// A single Machine goroutine owns the detach state. It consumes hardware
// events from a dtx.Link, runs the configured handlers through a
// HandlerRunner, keeps the firmware alive with heartbeats while a cycle is in
// progress and reports every change as a Status. Bus requests and
// configuration reloads enter the same loop, so nothing else ever mutates
// the state.
package daemon
