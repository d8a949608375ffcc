package dbus

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// StatusReport is the coordinator state as read over the bus.
type StatusReport struct {
	DeviceMode  string `json:"device_mode" yaml:"device_mode"`
	DetachState string `json:"detach_state" yaml:"detach_state"`
	LatchStatus string `json:"latch_status" yaml:"latch_status"`
	BaseState   string `json:"base_state" yaml:"base_state"`
}

// Coordinator returns the remote coordinator object on conn.
func Coordinator(conn *dbus.Conn) dbus.BusObject {
	return conn.Object(BusName, Path)
}

// QueryStatus reads every coordinator property in one call.
func QueryStatus(obj Caller) (*StatusReport, error) {
	var props map[string]dbus.Variant
	if err := obj.Call(propertiesInterface+".GetAll", 0, Interface).Store(&props); err != nil {
		return nil, fmt.Errorf("read properties: %w", err)
	}

	report := &StatusReport{}
	fields := map[string]*string{
		PropDeviceMode:  &report.DeviceMode,
		PropDetachState: &report.DetachState,
		PropLatchStatus: &report.LatchStatus,
		PropBaseState:   &report.BaseState,
	}
	for name, dst := range fields {
		v, ok := props[name]
		if !ok {
			return nil, fmt.Errorf("property %s missing", name)
		}
		s, ok := v.Value().(string)
		if !ok {
			return nil, fmt.Errorf("property %s has type %s, want string", name, v.Signature())
		}
		*dst = s
	}
	return report, nil
}

// RequestDetach asks the coordinator to start a detach cycle.
func RequestDetach(obj Caller) error {
	if err := obj.Call(Interface+".Request", 0).Err; err != nil {
		return fmt.Errorf("request detach: %w", err)
	}
	return nil
}
