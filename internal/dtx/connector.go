package dtx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jmylchreest/surface-dtx/internal/queue"
)

// ErrNotConnected is reported for commands issued while the device is away.
var ErrNotConnected = errors.New("dtx: device not connected")

// LinkError describes a failure talking to the device node.
type LinkError struct {
	Op   string
	Path string
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("dtx %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Port is one open session with the controller.
type Port interface {
	// ReadEvent blocks until the next event. It returns an error once the
	// port is closed or the device goes away.
	ReadEvent() (Event, error)

	// Exec runs a command. Query commands return the resulting event.
	Exec(cmd Command) (Event, error)

	Close() error
}

// DialFunc opens a Port for the device at path.
type DialFunc func(path string) (Port, error)

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	Path           string
	StartupTimeout time.Duration // Zero means a single attempt
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	Dial           DialFunc // Defaults to OpenDevice
}

// commandBacklog is the queue depth at which a stalled controller is logged.
const commandBacklog = 8

// Connector is the Link used by the daemon. It owns the device session,
// reconnects with backoff when the device disappears and keeps one event
// channel stable across reconnects. Commands run in order on a single worker
// goroutine so a slow controller never blocks the caller.
type Connector struct {
	cfg      ConnectorConfig
	logger   *slog.Logger
	events   *queue.Queue[Event]
	commands *queue.Queue[Command]

	workerDone chan struct{}
	stopOnce   sync.Once

	mu   sync.Mutex
	port Port
}

// NewConnector creates a connector. Call Open, then Run.
func NewConnector(cfg ConnectorConfig, logger *slog.Logger) *Connector {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	logger = logger.With("component", "dtx", "path", cfg.Path)
	if cfg.Dial == nil {
		cfg.Dial = func(path string) (Port, error) {
			d, err := OpenDevice(path, logger)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	}

	c := &Connector{
		cfg:        cfg,
		logger:     logger,
		events:     queue.New[Event](),
		commands:   queue.New[Command](),
		workerDone: make(chan struct{}),
	}
	go c.execLoop()
	return c
}

// Events implements Link.
func (c *Connector) Events() <-chan Event {
	return c.events.Out()
}

// Issue implements Link. The command is queued and runs after every command
// issued before it.
func (c *Connector) Issue(cmd Command) {
	if !c.commands.Push(cmd) {
		c.logger.Debug("command dropped, connector stopped", "command", cmd.String())
		return
	}
	if n := c.commands.Len(); n >= commandBacklog {
		c.logger.Warn("device is slow to accept commands", "pending", n, "command", cmd.String())
	}
}

func (c *Connector) execLoop() {
	defer close(c.workerDone)
	for cmd := range c.commands.Out() {
		c.exec(cmd)
	}
}

func (c *Connector) exec(cmd Command) {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()

	if port == nil {
		c.logger.Warn("command dropped, device not connected", "command", cmd.String())
		c.events.Push(Event{Kind: EventHardwareError, Code: CodeNotConnected, Command: cmd, Err: ErrNotConnected})
		return
	}

	evt, err := port.Exec(cmd)
	if err != nil {
		c.logger.Error("command failed", "command", cmd.String(), "error", err)
		c.events.Push(Event{Kind: EventHardwareError, Code: CodeCommandFailed, Command: cmd, Err: err})
		return
	}

	c.logger.Debug("command issued", "command", cmd.String())
	if cmd.IsQuery() {
		if evt.Kind == EventHardwareError {
			evt.Command = cmd
		}
		c.events.Push(evt)
	}
}

// stopCommands stops accepting commands and waits for the queued ones to run.
func (c *Connector) stopCommands() {
	c.stopOnce.Do(func() {
		c.commands.Close()
		<-c.workerDone
	})
}

// Open establishes the initial session. It retries until StartupTimeout
// elapses; failure here is fatal for the daemon.
func (c *Connector) Open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	port, err := c.dialLoop(ctx, c.cfg.StartupTimeout > 0)
	if err != nil {
		return err
	}
	c.setPort(port)
	c.logger.Info("device connected")
	return nil
}

// Run reads events until ctx is cancelled, reconnecting as needed. Commands
// still queued when ctx ends are run before the device is closed. The event
// channel is closed when Run returns.
func (c *Connector) Run(ctx context.Context) error {
	defer c.events.Close()
	defer c.stopCommands()

	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return &LinkError{Op: "run", Path: c.cfg.Path, Err: ErrNotConnected}
	}

	for {
		err := c.readLoop(ctx, port)
		c.setPort(nil)

		if ctx.Err() != nil {
			c.logger.Debug("connector stopped")
			return nil
		}

		c.logger.Error("device link lost", "error", err)
		c.events.Push(Event{Kind: EventLinkDown, Code: CodeLinkDown, Err: err})

		port, err = c.dialLoop(ctx, true)
		if err != nil {
			return nil
		}
		c.setPort(port)
		c.logger.Info("device reconnected")
		c.events.Push(Event{Kind: EventLinkUp})
	}
}

func (c *Connector) setPort(p Port) {
	c.mu.Lock()
	c.port = p
	c.mu.Unlock()
}

func (c *Connector) readLoop(ctx context.Context, port Port) error {
	stop := context.AfterFunc(ctx, func() {
		c.stopCommands()
		port.Close()
	})
	defer func() {
		if stop() {
			port.Close()
		}
	}()

	for {
		evt, err := port.ReadEvent()
		if err != nil {
			return err
		}
		c.logger.Debug("event received", "event", evt.String())
		c.events.Push(evt)
	}
}

// dialLoop tries to open the device, backing off between attempts. The wait
// is cut short when the device node shows up.
func (c *Connector) dialLoop(ctx context.Context, retry bool) (Port, error) {
	wake, closeWatch := watchNode(c.cfg.Path, c.logger)
	defer closeWatch()

	backoff := c.cfg.MinBackoff
	for attempt := 1; ; attempt++ {
		port, err := c.cfg.Dial(c.cfg.Path)
		if err == nil {
			return port, nil
		}
		if !retry {
			return nil, err
		}

		c.logger.Debug("device unavailable", "attempt", attempt, "retry_in", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("device not available after %d attempts: %w", attempt, err)
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// watchNode signals when path is created. When the parent directory cannot
// be watched the returned channel never fires and plain backoff applies.
func watchNode(path string, logger *slog.Logger) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("device watch unavailable", "error", err)
		return wake, func() {}
	}

	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logger.Debug("device watch unavailable", "dir", dir, "error", err)
		watcher.Close()
		return wake, func() {}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == path && event.Has(fsnotify.Create) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Debug("device watch error", "error", err)
			}
		}
	}()

	return wake, func() {
		close(done)
		watcher.Close()
	}
}
