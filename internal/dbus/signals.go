package dbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/jmylchreest/surface-dtx/internal/daemon"
)

// Emission retry policy.
const (
	emitAttempts = 3
	emitBackoff  = 100 * time.Millisecond
)

// SignalEmitter sends signals. *dbus.Conn satisfies it.
type SignalEmitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// Broadcaster forwards state machine statuses to the bus as signals and
// property change notifications.
type Broadcaster struct {
	emitter SignalEmitter
	logger  *slog.Logger
	backoff time.Duration
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(emitter SignalEmitter, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		emitter: emitter,
		logger:  logger.With("component", "broadcaster"),
		backoff: emitBackoff,
	}
}

// Run emits every status until the channel is closed or ctx is done.
func (b *Broadcaster) Run(ctx context.Context, statuses <-chan daemon.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			b.Broadcast(ctx, st)
		}
	}
}

// Broadcast emits the signals for a single status. Failures are logged.
func (b *Broadcaster) Broadcast(ctx context.Context, st daemon.Status) {
	switch st.Kind {
	case daemon.StatusDetachState:
		b.emit(ctx, SignalDetachStateChanged, st.State.String(), string(st.Reason))
	case daemon.StatusDeviceMode:
		b.emit(ctx, SignalDeviceModeChanged, st.Mode.String())
	case daemon.StatusError:
		b.emit(ctx, SignalError, uint32(st.Code), st.Message)
	}

	if changed, ok := changedProperties(st); ok {
		b.emitPropertiesChanged(ctx, changed)
	}
}

func (b *Broadcaster) emit(ctx context.Context, member string, values ...interface{}) {
	name := Interface + "." + member
	if err := b.retry(ctx, name, values...); err != nil {
		b.logger.Error("failed to emit signal", "signal", member, "error", err)
		return
	}
	b.logger.Debug("emitted signal", "signal", member, "args", fmt.Sprint(values...))
}

func (b *Broadcaster) emitPropertiesChanged(ctx context.Context, changed map[string]dbus.Variant) {
	name := propertiesInterface + ".PropertiesChanged"
	if err := b.retry(ctx, name, Interface, changed, []string{}); err != nil {
		b.logger.Error("failed to emit PropertiesChanged", "error", err)
	}
}

func (b *Broadcaster) retry(ctx context.Context, name string, values ...interface{}) error {
	var err error
	delay := b.backoff
	for attempt := 1; attempt <= emitAttempts; attempt++ {
		if err = b.emitter.Emit(Path, name, values...); err == nil {
			return nil
		}
		if attempt == emitAttempts {
			break
		}
		b.logger.Warn("signal emission failed, retrying", "signal", name, "attempt", attempt, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("emit %s: %w", name, err)
		}
		delay *= 2
	}
	return fmt.Errorf("emit %s after %d attempts: %w", name, emitAttempts, err)
}
