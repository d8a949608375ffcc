// Package dbus connects the coordinator to D-Bus.
//
// On the system bus the daemon owns org.surface.dtx and exports the current
// detach state as read-only properties plus change signals. On the session
// bus the user daemon subscribes to those signals and talks to
// org.freedesktop.Notifications to show desktop notifications.
package dbus
