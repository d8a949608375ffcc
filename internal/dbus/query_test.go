package dbus

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/surface-dtx/internal/daemon"
	"github.com/jmylchreest/surface-dtx/internal/dtx"
)

func TestQueryStatus(t *testing.T) {
	props := Properties(daemon.Snapshot{
		State: daemon.StateIdle,
		Mode:  dtx.ModeLaptop,
		Latch: dtx.LatchClosed,
		Base:  dtx.BaseAttached,
	})
	caller := &fakeCaller{reply: []interface{}{props}}

	report, err := QueryStatus(caller)
	require.NoError(t, err)
	assert.Equal(t, &StatusReport{
		DeviceMode:  "laptop",
		DetachState: "idle",
		LatchStatus: "closed",
		BaseState:   "attached",
	}, report)

	require.Len(t, caller.calls, 1)
	assert.Equal(t, "org.freedesktop.DBus.Properties.GetAll", caller.calls[0].method)
	assert.Equal(t, []interface{}{Interface}, caller.calls[0].args)
}

func TestQueryStatus_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]dbus.Variant
	}{
		{"missing property", map[string]dbus.Variant{PropDeviceMode: dbus.MakeVariant("laptop")}},
		{"wrong type", map[string]dbus.Variant{
			PropDeviceMode:  dbus.MakeVariant(uint32(1)),
			PropDetachState: dbus.MakeVariant("idle"),
			PropLatchStatus: dbus.MakeVariant("closed"),
			PropBaseState:   dbus.MakeVariant("attached"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := QueryStatus(&fakeCaller{reply: []interface{}{tt.props}})
			assert.Error(t, err)
		})
	}
}

func TestQueryStatus_DaemonNotRunning(t *testing.T) {
	_, err := QueryStatus(&fakeCaller{err: errors.New("name has no owner")})
	assert.Error(t, err)
}

func TestRequestDetach(t *testing.T) {
	caller := &fakeCaller{}
	require.NoError(t, RequestDetach(caller))
	require.Len(t, caller.calls, 1)
	assert.Equal(t, "org.surface.dtx.Request", caller.calls[0].method)
}
