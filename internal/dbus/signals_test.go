package dbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/surface-dtx/internal/daemon"
	"github.com/jmylchreest/surface-dtx/internal/dtx"
)

type emitted struct {
	path   dbus.ObjectPath
	name   string
	values []interface{}
}

type fakeEmitter struct {
	mu       sync.Mutex
	signals  []emitted
	failures int // fail this many calls before succeeding
}

func (f *fakeEmitter) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("bus unavailable")
	}
	f.signals = append(f.signals, emitted{path: path, name: name, values: values})
	return nil
}

func (f *fakeEmitter) emitted() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.signals...)
}

func testBroadcaster(e SignalEmitter) *Broadcaster {
	b := NewBroadcaster(e, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.backoff = time.Millisecond
	return b
}

func TestBroadcast_DetachState(t *testing.T) {
	e := &fakeEmitter{}
	testBroadcaster(e).Broadcast(context.Background(), daemon.Status{
		Kind:   daemon.StatusDetachState,
		State:  daemon.StateAwaitingPhysicalDetach,
		Reason: daemon.ReasonCommence,
	})

	got := e.emitted()
	require.Len(t, got, 2)

	assert.Equal(t, Path, got[0].path)
	assert.Equal(t, "org.surface.dtx.DetachStateChanged", got[0].name)
	assert.Equal(t, []interface{}{"awaiting-physical-detach", "commence"}, got[0].values)

	assert.Equal(t, "org.freedesktop.DBus.Properties.PropertiesChanged", got[1].name)
	require.Len(t, got[1].values, 3)
	assert.Equal(t, Interface, got[1].values[0])
	changed := got[1].values[1].(map[string]dbus.Variant)
	assert.Equal(t, "awaiting-physical-detach", changed[PropDetachState].Value())
}

func TestBroadcast_DeviceMode(t *testing.T) {
	e := &fakeEmitter{}
	testBroadcaster(e).Broadcast(context.Background(), daemon.Status{Kind: daemon.StatusDeviceMode, Mode: dtx.ModeTablet})

	got := e.emitted()
	require.Len(t, got, 2)
	assert.Equal(t, "org.surface.dtx.DeviceModeChanged", got[0].name)
	assert.Equal(t, []interface{}{"tablet"}, got[0].values)
	changed := got[1].values[1].(map[string]dbus.Variant)
	assert.Equal(t, "tablet", changed[PropDeviceMode].Value())
}

func TestBroadcast_Error(t *testing.T) {
	e := &fakeEmitter{}
	testBroadcaster(e).Broadcast(context.Background(), daemon.Status{
		Kind:    daemon.StatusError,
		Code:    dtx.CodeFailedToOpen,
		Message: "failed to open latch",
	})

	got := e.emitted()
	require.Len(t, got, 1, "errors carry no property")
	assert.Equal(t, "org.surface.dtx.Error", got[0].name)
	assert.Equal(t, []interface{}{uint32(0x2001), "failed to open latch"}, got[0].values)
}

func TestBroadcast_LatchOnlyChangesProperty(t *testing.T) {
	e := &fakeEmitter{}
	testBroadcaster(e).Broadcast(context.Background(), daemon.Status{Kind: daemon.StatusLatch, Latch: dtx.LatchOpened})

	got := e.emitted()
	require.Len(t, got, 1)
	assert.Equal(t, "org.freedesktop.DBus.Properties.PropertiesChanged", got[0].name)
}

func TestBroadcast_RetriesTransientFailure(t *testing.T) {
	e := &fakeEmitter{failures: emitAttempts - 1}
	testBroadcaster(e).Broadcast(context.Background(), daemon.Status{Kind: daemon.StatusDeviceMode, Mode: dtx.ModeLaptop})

	got := e.emitted()
	require.Len(t, got, 2)
	assert.Equal(t, "org.surface.dtx.DeviceModeChanged", got[0].name)
}

func TestBroadcast_GivesUpAfterRetries(t *testing.T) {
	e := &fakeEmitter{failures: emitAttempts}
	b := testBroadcaster(e)

	assert.NotPanics(t, func() {
		b.Broadcast(context.Background(), daemon.Status{Kind: daemon.StatusError, Code: dtx.CodeTimedOut})
	})
	assert.Empty(t, e.emitted())

	b.Broadcast(context.Background(), daemon.Status{Kind: daemon.StatusError, Code: dtx.CodeTimedOut})
	assert.Len(t, e.emitted(), 1, "later statuses still go out")
}

func TestBroadcasterRun_PreservesOrder(t *testing.T) {
	e := &fakeEmitter{}
	statuses := make(chan daemon.Status, 4)
	statuses <- daemon.Status{Kind: daemon.StatusDetachState, State: daemon.StateDetachInProgress, Reason: daemon.ReasonRequest}
	statuses <- daemon.Status{Kind: daemon.StatusDetachState, State: daemon.StateAwaitingPhysicalDetach, Reason: daemon.ReasonCommence}
	statuses <- daemon.Status{Kind: daemon.StatusDetachState, State: daemon.StateIdle, Reason: daemon.ReasonAttachComplete}
	close(statuses)

	done := make(chan struct{})
	go func() {
		testBroadcaster(e).Run(context.Background(), statuses)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the channel closed")
	}

	var states []interface{}
	for _, s := range e.emitted() {
		if s.name == "org.surface.dtx.DetachStateChanged" {
			states = append(states, s.values[0])
		}
	}
	assert.Equal(t, []interface{}{"detach-in-progress", "awaiting-physical-detach", "idle"}, states)
}
