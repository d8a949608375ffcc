package dbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/jmylchreest/surface-dtx/internal/daemon"
	"github.com/jmylchreest/surface-dtx/internal/dtx"
)

// ErrConnectionClosed is returned by Subscriber.Run when the bus goes away.
var ErrConnectionClosed = errors.New("bus connection closed")

// Subscriber listens for coordinator signals on the system bus and turns
// them back into statuses.
type Subscriber struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// NewSubscriber creates a Subscriber on an already connected bus.
func NewSubscriber(conn *dbus.Conn, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		conn:   conn,
		logger: logger.With("component", "subscriber"),
	}
}

func (s *Subscriber) matchOptions() [][]dbus.MatchOption {
	var opts [][]dbus.MatchOption
	for _, member := range []string{SignalDetachStateChanged, SignalError} {
		opts = append(opts, []dbus.MatchOption{
			dbus.WithMatchSender(BusName),
			dbus.WithMatchObjectPath(Path),
			dbus.WithMatchInterface(Interface),
			dbus.WithMatchMember(member),
		})
	}
	return opts
}

// Run delivers statuses to out until ctx is done.
func (s *Subscriber) Run(ctx context.Context, out chan<- daemon.Status) error {
	matches := s.matchOptions()
	for _, opts := range matches {
		if err := s.conn.AddMatchSignal(opts...); err != nil {
			return fmt.Errorf("failed to add match rule: %w", err)
		}
	}
	defer func() {
		for _, opts := range matches {
			if err := s.conn.RemoveMatchSignal(opts...); err != nil {
				s.logger.Debug("failed to remove match rule", "error", err)
			}
		}
	}()

	ch := make(chan *dbus.Signal, 16)
	s.conn.Signal(ch)
	defer s.conn.RemoveSignal(ch)

	s.logger.Info("subscribed to coordinator signals", "interface", Interface, "path", Path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return ErrConnectionClosed
			}
			st, ok := ParseSignal(sig)
			if !ok {
				continue
			}
			s.logger.Debug("received signal", "status", st.String())
			select {
			case out <- st:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// ParseSignal converts a coordinator signal into a status. Signals from
// other objects or with a malformed body are rejected.
func ParseSignal(sig *dbus.Signal) (daemon.Status, bool) {
	if sig == nil || sig.Path != Path {
		return daemon.Status{}, false
	}

	switch sig.Name {
	case Interface + "." + SignalDetachStateChanged:
		if len(sig.Body) < 2 {
			return daemon.Status{}, false
		}
		name, ok := sig.Body[0].(string)
		if !ok {
			return daemon.Status{}, false
		}
		reason, ok := sig.Body[1].(string)
		if !ok {
			return daemon.Status{}, false
		}
		state, ok := daemon.ParseDetachState(name)
		if !ok {
			return daemon.Status{}, false
		}
		return daemon.Status{Kind: daemon.StatusDetachState, State: state, Reason: daemon.Reason(reason)}, true

	case Interface + "." + SignalError:
		if len(sig.Body) < 2 {
			return daemon.Status{}, false
		}
		code, ok := sig.Body[0].(uint32)
		if !ok {
			return daemon.Status{}, false
		}
		msg, ok := sig.Body[1].(string)
		if !ok {
			return daemon.Status{}, false
		}
		return daemon.Status{Kind: daemon.StatusError, Code: dtx.Code(code), Message: msg}, true
	}

	return daemon.Status{}, false
}

// Dialer opens a private bus connection.
type Dialer func() (*dbus.Conn, error)

// SignalWatcher keeps a Subscriber running across bus connection loss.
type SignalWatcher struct {
	dial       Dialer
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	subscribe func(ctx context.Context, conn *dbus.Conn, out chan<- daemon.Status) error
}

// NewSignalWatcher creates a watcher that connects through dial.
func NewSignalWatcher(dial Dialer, logger *slog.Logger) *SignalWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &SignalWatcher{
		dial:       dial,
		logger:     logger.With("component", "signal-watcher"),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
	w.subscribe = func(ctx context.Context, conn *dbus.Conn, out chan<- daemon.Status) error {
		return NewSubscriber(conn, logger).Run(ctx, out)
	}
	return w
}

// Run delivers statuses to out until ctx is done, reconnecting with backoff
// whenever the connection cannot be opened or is lost.
func (w *SignalWatcher) Run(ctx context.Context, out chan<- daemon.Status) {
	backoff := w.minBackoff
	for attempt := 1; ; attempt++ {
		conn, err := w.dial()
		if err == nil {
			backoff = w.minBackoff
			err = w.subscribe(ctx, conn, out)
			if conn != nil {
				conn.Close()
			}
			if ctx.Err() != nil {
				return
			}
		}
		w.logger.Warn("system bus unavailable, retrying", "attempt", attempt, "retry_in", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
	}
}
