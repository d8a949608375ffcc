package dbus

import (
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/jmylchreest/surface-dtx/internal/daemon"
)

const (
	// BusName is the well-known name claimed on the system bus.
	BusName = "org.surface.dtx"
	// Interface is the coordinator interface name.
	Interface = "org.surface.dtx"
	// Path is the coordinator object path.
	Path dbus.ObjectPath = "/org/surface/dtx"

	propertiesInterface = "org.freedesktop.DBus.Properties"
)

// Property names.
const (
	PropDeviceMode  = "CurrentDeviceMode"
	PropDetachState = "DetachState"
	PropLatchStatus = "LatchStatus"
	PropBaseState   = "BaseState"
)

// Signal names.
const (
	SignalDetachStateChanged = "DetachStateChanged"
	SignalDeviceModeChanged  = "DeviceModeChanged"
	SignalError              = "Error"
)

// ErrRegistration is returned when the service cannot claim its bus name or
// export its object.
var ErrRegistration = errors.New("bus registration failed")

// Urgency is the freedesktop notification urgency level.
type Urgency byte

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyNormal:
		return "normal"
	case UrgencyCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Notification is an outgoing org.freedesktop.Notifications.Notify call.
type Notification struct {
	ReplacesID    uint32
	Icon          string
	Summary       string
	Body          string
	Urgency       Urgency
	Resident      bool
	Transient     bool
	ExpireTimeout int32 // -1 = server default, 0 = never expire
}

// Hints builds the hint dictionary sent with the notification.
func (n *Notification) Hints() map[string]dbus.Variant {
	hints := map[string]dbus.Variant{
		"urgency":       dbus.MakeVariant(byte(n.Urgency)),
		"category":      dbus.MakeVariant("device"),
		"image-path":    dbus.MakeVariant("input-tablet"),
		"desktop-entry": dbus.MakeVariant("surface-dtx-userd"),
	}
	if n.Resident {
		hints["resident"] = dbus.MakeVariant(true)
	}
	if n.Transient {
		hints["transient"] = dbus.MakeVariant(true)
	}
	return hints
}

// Properties renders a snapshot as the exported property map.
func Properties(s daemon.Snapshot) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		PropDeviceMode:  dbus.MakeVariant(s.Mode.String()),
		PropDetachState: dbus.MakeVariant(s.State.String()),
		PropLatchStatus: dbus.MakeVariant(s.Latch.String()),
		PropBaseState:   dbus.MakeVariant(s.Base.String()),
	}
}

// changedProperties returns the property update carried by a status, if any.
func changedProperties(st daemon.Status) (map[string]dbus.Variant, bool) {
	switch st.Kind {
	case daemon.StatusDetachState:
		return map[string]dbus.Variant{PropDetachState: dbus.MakeVariant(st.State.String())}, true
	case daemon.StatusDeviceMode:
		return map[string]dbus.Variant{PropDeviceMode: dbus.MakeVariant(st.Mode.String())}, true
	case daemon.StatusLatch:
		return map[string]dbus.Variant{PropLatchStatus: dbus.MakeVariant(st.Latch.String())}, true
	case daemon.StatusBase:
		return map[string]dbus.Variant{PropBaseState: dbus.MakeVariant(st.Base.String())}, true
	default:
		return nil, false
	}
}
