package dbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/surface-dtx/internal/daemon"
	"github.com/jmylchreest/surface-dtx/internal/dtx"
)

type fakeController struct {
	snap     daemon.Snapshot
	err      error
	requests int
}

func (f *fakeController) Snapshot() daemon.Snapshot { return f.snap }

func (f *fakeController) Request(ctx context.Context) error {
	f.requests++
	return f.err
}

func TestProperties_Get(t *testing.T) {
	p := &properties{ctl: &fakeController{snap: daemon.Snapshot{Mode: dtx.ModeTablet}}}

	v, derr := p.Get(Interface, PropDeviceMode)
	require.Nil(t, derr)
	assert.Equal(t, "tablet", v.Value())

	_, derr = p.Get(Interface, "Battery")
	require.NotNil(t, derr)
	assert.Equal(t, "org.freedesktop.DBus.Error.UnknownProperty", derr.Name)

	_, derr = p.Get("org.example", PropDeviceMode)
	require.NotNil(t, derr)
	assert.Equal(t, "org.freedesktop.DBus.Error.UnknownInterface", derr.Name)
}

func TestProperties_GetAllFollowsSnapshot(t *testing.T) {
	ctl := &fakeController{}
	p := &properties{ctl: ctl}

	all, derr := p.GetAll(Interface)
	require.Nil(t, derr)
	assert.Len(t, all, 4)
	assert.Equal(t, "idle", all[PropDetachState].Value())

	ctl.snap.State = daemon.StateDetachInProgress
	all, derr = p.GetAll(Interface)
	require.Nil(t, derr)
	assert.Equal(t, "detach-in-progress", all[PropDetachState].Value())
}

func TestProperties_SetRefused(t *testing.T) {
	p := &properties{ctl: &fakeController{}}

	derr := p.Set(Interface, PropDetachState, dbus.MakeVariant("idle"))
	require.NotNil(t, derr)
	assert.Equal(t, "org.freedesktop.DBus.Error.PropertyReadOnly", derr.Name)
}

func TestService_Request(t *testing.T) {
	ctl := &fakeController{}
	s := NewService(nil, ctl, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Nil(t, s.Request())
	assert.Equal(t, 1, ctl.requests)

	ctl.err = daemon.ErrStopped
	derr := s.Request()
	require.NotNil(t, derr)
	assert.Equal(t, "org.surface.dtx.Error.Stopped", derr.Name)

	ctl.err = errors.New("boom")
	derr = s.Request()
	require.NotNil(t, derr)
	assert.Equal(t, "org.freedesktop.DBus.Error.Failed", derr.Name)
}
