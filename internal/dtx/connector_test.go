package dtx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	events chan Event
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	execs   []Command
	execErr error
	query   map[Command]Event
}

func newFakePort() *fakePort {
	return &fakePort{
		events: make(chan Event, 16),
		closed: make(chan struct{}),
		query:  map[Command]Event{},
	}
}

func (p *fakePort) ReadEvent() (Event, error) {
	select {
	case evt := <-p.events:
		return evt, nil
	case <-p.closed:
		return Event{}, io.EOF
	}
}

func (p *fakePort) Exec(cmd Command) (Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execs = append(p.execs, cmd)
	if p.execErr != nil {
		return Event{}, p.execErr
	}
	return p.query[cmd], nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nextEvent(t *testing.T, c *Connector) Event {
	t.Helper()
	select {
	case evt := <-c.Events():
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestConnector_DeliversEventsAndQueries(t *testing.T) {
	port := newFakePort()
	port.query[CmdQueryDeviceMode] = Event{Kind: EventDeviceMode, Mode: ModeTablet}

	c := NewConnector(ConnectorConfig{
		Path: "/dev/null/dtx",
		Dial: func(string) (Port, error) { return port, nil },
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Open(ctx))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	port.events <- Event{Kind: EventDetachRequest}
	assert.Equal(t, EventDetachRequest, nextEvent(t, c).Kind)

	c.Issue(CmdQueryDeviceMode)
	evt := nextEvent(t, c)
	assert.Equal(t, EventDeviceMode, evt.Kind)
	assert.Equal(t, ModeTablet, evt.Mode)

	c.Issue(CmdOpen)
	assert.Eventually(t, func() bool {
		port.mu.Lock()
		defer port.mu.Unlock()
		return assert.ObjectsAreEqual([]Command{CmdQueryDeviceMode, CmdOpen}, port.execs)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConnector_CommandFailureBecomesHardwareError(t *testing.T) {
	port := newFakePort()
	port.execErr = errors.New("ioctl: input/output error")

	c := NewConnector(ConnectorConfig{
		Path: "/dev/null/dtx",
		Dial: func(string) (Port, error) { return port, nil },
	}, testLogger())
	require.NoError(t, c.Open(context.Background()))

	c.Issue(CmdHeartbeat)
	evt := nextEvent(t, c)
	assert.Equal(t, EventHardwareError, evt.Kind)
	assert.Equal(t, CodeCommandFailed, evt.Code)
	assert.Equal(t, CmdHeartbeat, evt.Command)
	assert.Error(t, evt.Err)
}

func TestConnector_IssueWithoutDevice(t *testing.T) {
	c := NewConnector(ConnectorConfig{
		Path: "/dev/null/dtx",
		Dial: func(string) (Port, error) { return nil, errors.New("absent") },
	}, testLogger())

	c.Issue(CmdCancel)
	evt := nextEvent(t, c)
	assert.Equal(t, EventHardwareError, evt.Kind)
	assert.Equal(t, CodeNotConnected, evt.Code)
	assert.ErrorIs(t, evt.Err, ErrNotConnected)
}

func TestConnector_OpenGivesUpAfterStartupWindow(t *testing.T) {
	var attempts int
	c := NewConnector(ConnectorConfig{
		Path:           filepath.Join(t.TempDir(), "dtx"),
		StartupTimeout: 150 * time.Millisecond,
		MinBackoff:     20 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		Dial: func(string) (Port, error) {
			attempts++
			return nil, errors.New("no such device")
		},
	}, testLogger())

	start := time.Now()
	err := c.Open(context.Background())
	require.Error(t, err)
	assert.Greater(t, attempts, 1)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConnector_ReconnectsAfterLinkLoss(t *testing.T) {
	first := newFakePort()
	second := newFakePort()

	var mu sync.Mutex
	dials := 0
	c := NewConnector(ConnectorConfig{
		Path:       filepath.Join(t.TempDir(), "dtx"),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		Dial: func(string) (Port, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++
			switch dials {
			case 1:
				return first, nil
			case 2:
				return nil, errors.New("still gone")
			default:
				return second, nil
			}
		},
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Open(ctx))
	go func() { _ = c.Run(ctx) }()

	first.Close()

	down := nextEvent(t, c)
	assert.Equal(t, EventLinkDown, down.Kind)
	assert.Equal(t, CodeLinkDown, down.Code)

	up := nextEvent(t, c)
	assert.Equal(t, EventLinkUp, up.Kind)

	second.events <- Event{Kind: EventLatchState, Latch: LatchClosed}
	evt := nextEvent(t, c)
	assert.Equal(t, EventLatchState, evt.Kind)
	assert.Equal(t, LatchClosed, evt.Latch)
}

// slowPort blocks every command until released.
type slowPort struct {
	*fakePort
	gate chan struct{}
}

func (p *slowPort) Exec(cmd Command) (Event, error) {
	<-p.gate
	return p.fakePort.Exec(cmd)
}

func TestConnector_IssueDoesNotWaitForDevice(t *testing.T) {
	port := &slowPort{fakePort: newFakePort(), gate: make(chan struct{})}
	c := NewConnector(ConnectorConfig{
		Path: "/dev/null/dtx",
		Dial: func(string) (Port, error) { return port, nil },
	}, testLogger())
	require.NoError(t, c.Open(context.Background()))

	issued := make(chan struct{})
	go func() {
		c.Issue(CmdHeartbeat)
		c.Issue(CmdOpen)
		c.Issue(CmdHeartbeat)
		close(issued)
	}()

	select {
	case <-issued:
	case <-time.After(time.Second):
		t.Fatal("Issue blocked on a slow device")
	}

	close(port.gate)
	assert.Eventually(t, func() bool {
		port.mu.Lock()
		defer port.mu.Unlock()
		return assert.ObjectsAreEqual([]Command{CmdHeartbeat, CmdOpen, CmdHeartbeat}, port.execs)
	}, 2*time.Second, 10*time.Millisecond, "commands run in issue order")
}

func TestConnector_RunsQueuedCommandsBeforeClosing(t *testing.T) {
	port := &slowPort{fakePort: newFakePort(), gate: make(chan struct{})}
	c := NewConnector(ConnectorConfig{
		Path: "/dev/null/dtx",
		Dial: func(string) (Port, error) { return port, nil },
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Open(ctx))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.Issue(CmdCancel)
	cancel()
	close(port.gate)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	port.mu.Lock()
	assert.Equal(t, []Command{CmdCancel}, port.execs)
	port.mu.Unlock()

	c.Issue(CmdHeartbeat)
	port.mu.Lock()
	assert.Equal(t, []Command{CmdCancel}, port.execs, "nothing runs after Run returned")
	port.mu.Unlock()
}
