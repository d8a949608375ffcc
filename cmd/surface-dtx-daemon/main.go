// Package main is the entry point for surface-dtx-daemon, the system
// service coordinating clipboard detach and attach.
package main

func main() {
	Execute()
}
