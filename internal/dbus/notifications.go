package dbus

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsName                 = "org.freedesktop.Notifications"
	notificationsPath dbus.ObjectPath = "/org/freedesktop/Notifications"

	appName = "Surface DTX"
)

// Caller invokes methods on a remote object. dbus.BusObject satisfies it.
type Caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// NotificationClient sends desktop notifications over the session bus.
type NotificationClient struct {
	obj    Caller
	logger *slog.Logger
}

// NewNotificationClient creates a client for the notification server on conn.
func NewNotificationClient(conn *dbus.Conn, logger *slog.Logger) *NotificationClient {
	return newNotificationClient(conn.Object(notificationsName, notificationsPath), logger)
}

func newNotificationClient(obj Caller, logger *slog.Logger) *NotificationClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationClient{
		obj:    obj,
		logger: logger.With("component", "notifications"),
	}
}

// Notify shows n and returns the id assigned by the notification server.
// D-Bus method: Notify(susssasa{sv}i) -> u
func (c *NotificationClient) Notify(n *Notification) (uint32, error) {
	var id uint32
	err := c.obj.Call(notificationsName+".Notify", 0,
		appName,
		n.ReplacesID,
		n.Icon,
		n.Summary,
		n.Body,
		[]string{},
		n.Hints(),
		n.ExpireTimeout,
	).Store(&id)
	if err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}

	c.logger.Debug("notification sent", "id", id, "summary", n.Summary, "urgency", n.Urgency.String())
	return id, nil
}

// Close closes a notification previously returned by Notify.
// D-Bus method: CloseNotification(u) -> nothing
func (c *NotificationClient) Close(id uint32) error {
	if err := c.obj.Call(notificationsName+".CloseNotification", 0, id).Err; err != nil {
		return fmt.Errorf("close notification %d: %w", id, err)
	}
	c.logger.Debug("notification closed", "id", id)
	return nil
}
