package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/surface-dtx/internal/config"
	"github.com/jmylchreest/surface-dtx/internal/dtx"
	"github.com/jmylchreest/surface-dtx/internal/handler"
	"github.com/jmylchreest/surface-dtx/internal/queue"
)

// ErrStopped is returned by Request once the machine is no longer running.
var ErrStopped = errors.New("state machine stopped")

// HandlerRunner runs one handler to completion.
type HandlerRunner interface {
	Run(ctx context.Context, point handler.Point, spec handler.Spec) handler.Outcome
}

// Handlers holds the handler for each lifecycle point.
type Handlers struct {
	Detach      handler.Spec
	DetachAbort handler.Spec
	Attach      handler.Spec
}

// Config configures a Machine.
type Config struct {
	Handlers  Handlers
	Heartbeat time.Duration // Zero disables the heartbeat
}

type result struct {
	point   handler.Point
	outcome handler.Outcome
}

type activeHandler struct {
	point   handler.Point
	cancel  context.CancelFunc
	started time.Time
}

// Machine is the detach/attach coordinator. All state is owned by the Run
// goroutine; other goroutines only read the published Snapshot.
type Machine struct {
	cfg    Config
	link   dtx.Link
	runner HandlerRunner
	logger *slog.Logger

	statuses *queue.Queue[Status]
	requests chan chan error
	reloads  chan Config
	results  chan result
	done     chan struct{}
	snapshot atomic.Pointer[Snapshot]

	// Owned by the Run goroutine.
	state         DetachState
	mode          dtx.DeviceMode
	latch         dtx.LatchState
	base          dtx.BaseState
	active        *activeHandler
	pendingCancel bool
	pendingError  *dtx.Event
	heartbeat     *time.Ticker

	// The base came back while the latch was open or a handler ran.
	needsAttach bool

	// Set while the latch is being re-read after a latch fault.
	latchFault dtx.Code

	linkDown       bool
	hbFailures     int
	hbFailedRecent bool
}

// NewMachine creates a machine in StateIdle.
func NewMachine(cfg Config, link dtx.Link, runner HandlerRunner, logger *slog.Logger) *Machine {
	m := &Machine{
		cfg:      cfg,
		link:     link,
		runner:   runner,
		logger:   logger.With("component", "core"),
		statuses: queue.New[Status](),
		requests: make(chan chan error),
		reloads:  make(chan Config),
		results:  make(chan result, 1),
		done:     make(chan struct{}),
	}
	m.publish()
	return m
}

// Statuses delivers every status the machine emits, in order. The channel is
// closed after Run returns.
func (m *Machine) Statuses() <-chan Status {
	return m.statuses.Out()
}

// Snapshot returns the current property values. Safe for concurrent use.
func (m *Machine) Snapshot() Snapshot {
	return *m.snapshot.Load()
}

// Request asks the firmware to start a detach cycle, as if the detach button
// had been pressed.
func (m *Machine) Request(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case m.requests <- reply:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconfigure replaces the handler and heartbeat settings. A handler that is
// already running keeps the settings it was started with.
func (m *Machine) Reconfigure(ctx context.Context, cfg Config) error {
	select {
	case m.reloads <- cfg:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes hardware events, handler outcomes, heartbeats and bus
// requests until ctx is cancelled. On return any running handler has been
// terminated and reaped.
func (m *Machine) Run(ctx context.Context) error {
	defer m.statuses.Close()
	defer close(m.done)

	m.logger.Info("coordinator started", "state", m.state.String())
	m.queryHardware()
	m.updateHeartbeat()

	events := m.link.Events()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil

		case evt, ok := <-events:
			if !ok {
				m.logger.Warn("hardware event stream closed")
				events = nil
				continue
			}
			m.handleEvent(ctx, evt)

		case res := <-m.results:
			m.handleResult(ctx, res)

		case <-m.heartbeatC():
			m.sendHeartbeat()

		case cfg := <-m.reloads:
			m.applyConfig(cfg)

		case reply := <-m.requests:
			m.logger.Info("detach requested over bus", "state", m.state.String())
			m.link.Issue(dtx.CmdRequest)
			reply <- nil
		}
	}
}

func (m *Machine) queryHardware() {
	m.link.Issue(dtx.CmdQueryDeviceMode)
	m.link.Issue(dtx.CmdQueryLatch)
	m.link.Issue(dtx.CmdQueryBase)
}

func (m *Machine) handleEvent(ctx context.Context, evt dtx.Event) {
	m.logger.Debug("hardware event", "event", evt.String(), "state", m.state.String())

	switch evt.Kind {
	case dtx.EventDetachRequest:
		m.onDetachRequest(ctx)
	case dtx.EventDetachCancel:
		m.onDetachCancel(ctx, evt)
	case dtx.EventHardwareError:
		m.onError(ctx, evt)
	case dtx.EventLinkDown:
		m.linkDown = true
		m.onError(ctx, evt)
	case dtx.EventLinkUp:
		m.logger.Info("device link restored, refreshing state")
		m.linkDown = false
		m.hbFailures = 0
		m.queryHardware()
	case dtx.EventLatchState:
		m.latchFault = 0
		m.onLatch(ctx, evt.Latch)
	case dtx.EventDeviceMode:
		m.onDeviceMode(evt.Mode)
	case dtx.EventBaseState:
		m.onBase(ctx, evt.Base, evt.BaseID)
	default:
		m.logger.Warn("ignoring unknown hardware event", "event", evt.String())
	}
}

func (m *Machine) onDetachRequest(ctx context.Context) {
	switch m.state {
	case StateIdle:
		switch m.base {
		case dtx.BaseDetached:
			m.logger.Warn("detach requested but no base attached, cancelling")
			m.link.Issue(dtx.CmdCancel)
			m.emitState(ReasonNotAttached)
			return
		case dtx.BaseNotFeasible:
			m.logger.Warn("detach requested but not feasible, cancelling")
			m.link.Issue(dtx.CmdCancel)
			m.emitState(ReasonNotFeasible)
			return
		}
		m.transition(StateDetachInProgress, ReasonRequest)
		m.spawn(ctx, handler.PointDetach, m.cfg.Handlers.Detach)

	case StateDetachInProgress:
		// A second button press while the handler decides means cancel.
		if m.pendingCancel {
			m.logger.Debug("detach request while cancel already pending, ignoring")
			return
		}
		m.logger.Info("detach request during detach handler, cancel queued")
		m.pendingCancel = true

	case StateAwaitingPhysicalDetach:
		m.logger.Info("detach request while awaiting removal, aborting")
		m.abortDetach(ctx)

	case StateAttachInProgress:
		m.logger.Info("detach request during attach handler, cancelling request")
		m.link.Issue(dtx.CmdCancel)
	}
}

func (m *Machine) onDetachCancel(ctx context.Context, evt dtx.Event) {
	switch m.state {
	case StateDetachInProgress:
		if m.pendingCancel {
			m.logger.Debug("cancel already pending, ignoring", "reason", evt.Code.String())
			return
		}
		m.logger.Info("detach cancelled during detach handler, cancel queued", "reason", evt.Code.String())
		m.pendingCancel = true

	case StateAwaitingPhysicalDetach:
		m.logger.Info("detach cancelled while awaiting removal", "reason", evt.Code.String())
		m.abortDetach(ctx)

	case StateIdle:
		if evt.Code == dtx.CodeNotFeasible {
			m.logger.Warn("detachment prevented by firmware", "reason", evt.Code.String())
			m.emitState(ReasonNotFeasible)
			return
		}
		m.logger.Debug("cancel while idle, ignoring", "reason", evt.Code.String())

	default:
		m.logger.Debug("cancel ignored", "state", m.state.String(), "reason", evt.Code.String())
	}
}

// abortDetach runs the detach-abort handler after the latch was opened. The
// machine returns to idle once it completes.
func (m *Machine) abortDetach(ctx context.Context) {
	if m.active != nil {
		m.logger.Debug("abort already in progress", "handler", string(m.active.point))
		return
	}
	m.spawn(ctx, handler.PointDetachAbort, m.cfg.Handlers.DetachAbort)
}

func (m *Machine) onError(ctx context.Context, evt dtx.Event) {
	if evt.Command == dtx.CmdQueryLatch && (m.latchFault != 0 || evt.LatchFault) {
		m.inferLatch(ctx, evt)
		return
	}
	if evt.Command == dtx.CmdHeartbeat {
		m.onHeartbeatError(evt)
		return
	}

	msg := evt.Code.String()
	if evt.Command != dtx.CmdNone {
		msg = fmt.Sprintf("%s command: %s", evt.Command, msg)
	}
	if evt.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, evt.Err)
	}

	m.logger.Error("hardware error", "code", fmt.Sprintf("%#04x", uint16(evt.Code)), "message", msg, "state", m.state.String())
	m.emit(Status{Kind: StatusError, Code: evt.Code, Message: msg})

	if evt.LatchFault && evt.Command == dtx.CmdNone {
		m.latchFault = evt.Code
		m.link.Issue(dtx.CmdQueryLatch)
	}

	if evt.Command.IsQuery() {
		return
	}

	if m.active != nil {
		if m.pendingError == nil {
			e := evt
			m.pendingError = &e
		}
		return
	}

	if m.state != StateIdle {
		// The latch is left to the firmware; no command is issued.
		m.transition(StateIdle, ReasonError)
	}
}

// inferLatch settles the latch position after a latch fault. The re-read
// failed too, so the position is derived from the fault code.
func (m *Machine) inferLatch(ctx context.Context, evt dtx.Event) {
	code := m.latchFault
	if evt.LatchFault {
		code = evt.Code
	}
	m.latchFault = 0

	latch, ok := dtx.InferLatch(code)
	if !ok {
		m.logger.Warn("latch state unknown after error", "code", code.String(), "error", evt.Err)
		return
	}
	m.logger.Debug("latch state inferred after error", "code", code.String(), "latch", latch.String())
	m.onLatch(ctx, latch)
}

func (m *Machine) onLatch(ctx context.Context, latch dtx.LatchState) {
	if latch != m.latch {
		m.latch = latch
		m.publish()
		m.emit(Status{Kind: StatusLatch, Latch: latch})
	}

	if latch == dtx.LatchClosed && m.needsAttach && m.active == nil && m.state != StateAwaitingPhysicalDetach {
		m.logger.Info("latch closed, running deferred attach handler")
		m.startAttach(ctx)
		return
	}

	if m.state != StateAwaitingPhysicalDetach {
		return
	}

	switch latch {
	case dtx.LatchOpened:
		m.logger.Info("latch opened, clipboard can be removed")
	case dtx.LatchClosed:
		if m.active != nil {
			m.logger.Debug("latch closed while handler runs", "handler", string(m.active.point))
			return
		}
		switch {
		case m.needsAttach:
			m.logger.Info("clipboard removed and re-attached, running attach handler")
			m.startAttach(ctx)
		case m.base == dtx.BaseDetached:
			m.logger.Info("latch closed after removal, detach complete")
			m.transition(StateIdle, ReasonDetachComplete)
		case m.base == dtx.BaseUnknown:
			m.logger.Info("latch closed, base state unknown, running attach handler")
			m.startAttach(ctx)
		default:
			m.logger.Info("latch closed without removal, running detach-abort handler")
			m.abortDetach(ctx)
		}
	}
}

// startAttach runs the post-attach handler.
func (m *Machine) startAttach(ctx context.Context) {
	m.needsAttach = false
	m.transition(StateAttachInProgress, ReasonAttach)
	m.spawn(ctx, handler.PointAttach, m.cfg.Handlers.Attach)
}

func (m *Machine) onDeviceMode(mode dtx.DeviceMode) {
	if mode == m.mode {
		return
	}
	m.logger.Info("device mode changed", "mode", mode.String())
	m.mode = mode
	m.publish()
	m.emit(Status{Kind: StatusDeviceMode, Mode: mode})
}

func (m *Machine) onBase(ctx context.Context, base dtx.BaseState, id uint16) {
	if base == m.base {
		return
	}
	old := m.base
	if base == dtx.BaseDetached && m.latch == dtx.LatchClosed && old == dtx.BaseAttached {
		m.logger.Warn("unexpected disconnect: latch is closed")
	}
	m.logger.Info("base state changed", "base", base.String(), "id", fmt.Sprintf("%#04x", id))
	m.base = base
	m.publish()
	m.emit(Status{Kind: StatusBase, Base: base})

	if old != dtx.BaseDetached || base == dtx.BaseUnknown {
		return
	}

	// The clipboard is back on its base.
	if m.latch == dtx.LatchClosed && m.active == nil && m.state == StateIdle {
		m.logger.Info("base attached, running attach handler")
		m.startAttach(ctx)
		return
	}
	m.logger.Info("base attached, attach handler deferred", "latch", m.latch.String(), "state", m.state.String())
	m.needsAttach = true
}

func (m *Machine) handleResult(ctx context.Context, res result) {
	m.active = nil
	out := res.outcome

	switch res.point {
	case handler.PointDetach:
		m.resolveDetach(ctx, out)

	case handler.PointDetachAbort:
		m.pendingCancel = false
		m.pendingError = nil
		if out.Kind != handler.Commence {
			m.logger.Warn("detach-abort handler did not succeed", "outcome", out.Kind.String(), "error", out.Err)
		}
		m.transition(StateIdle, ReasonAbort)
		if m.needsAttach && m.latch == dtx.LatchClosed {
			m.logger.Info("running deferred attach handler")
			m.startAttach(ctx)
		}

	case handler.PointAttach:
		m.pendingCancel = false
		m.pendingError = nil
		if out.Kind != handler.Commence {
			m.logger.Warn("attach handler did not succeed", "outcome", out.Kind.String(), "error", out.Err)
		}
		m.needsAttach = false
		m.transition(StateIdle, ReasonAttachComplete)
	}
}

// resolveDetach decides the cycle once the pre-detach handler has finished.
// The latch is only ever opened here, and only for a clean Commence.
func (m *Machine) resolveDetach(ctx context.Context, out handler.Outcome) {
	pendingCancel, pendingError := m.pendingCancel, m.pendingError
	m.pendingCancel, m.pendingError = false, nil

	switch {
	case pendingError != nil:
		m.logger.Warn("hardware error during detach handler, not opening latch", "code", pendingError.Code.String())
		m.link.Issue(dtx.CmdCancel)
		m.transition(StateIdle, ReasonError)

	case pendingCancel && out.Kind == handler.Commence:
		m.logger.Info("detach cancelled during handler, running detach-abort handler")
		m.link.Issue(dtx.CmdCancel)
		m.spawn(ctx, handler.PointDetachAbort, m.cfg.Handlers.DetachAbort)

	case pendingCancel:
		m.logger.Info("detach cancelled during handler", "outcome", out.Kind.String())
		m.link.Issue(dtx.CmdCancel)
		m.transition(StateIdle, ReasonAbort)

	case out.Kind == handler.Commence:
		m.logger.Info("detach handler commenced, opening latch")
		m.link.Issue(dtx.CmdOpen)
		m.transition(StateAwaitingPhysicalDetach, ReasonCommence)

	default:
		m.logger.Info("detach handler aborted detachment", "outcome", out.Kind.String(), "exit_code", out.ExitCode)
		m.link.Issue(dtx.CmdCancel)
		m.transition(StateIdle, Reason(out.Reason()))
	}
}

func (m *Machine) spawn(ctx context.Context, point handler.Point, spec handler.Spec) {
	hctx, cancel := context.WithCancel(ctx)
	m.active = &activeHandler{point: point, cancel: cancel, started: time.Now()}
	m.updateHeartbeat()

	go func() {
		defer cancel()
		out := m.runner.Run(hctx, point, spec)
		m.results <- result{point: point, outcome: out}
	}()
}

func (m *Machine) transition(state DetachState, reason Reason) {
	if m.state != state {
		m.logger.Info("detach state changed", "from", m.state.String(), "to", state.String(), "reason", string(reason))
	}
	m.state = state
	m.publish()
	m.updateHeartbeat()
	m.emitState(reason)
}

func (m *Machine) emitState(reason Reason) {
	m.emit(Status{Kind: StatusDetachState, State: m.state, Reason: reason})
}

func (m *Machine) emit(s Status) {
	m.statuses.Push(s)
}

func (m *Machine) publish() {
	m.snapshot.Store(&Snapshot{State: m.state, Mode: m.mode, Latch: m.latch, Base: m.base})
}

func (m *Machine) applyConfig(cfg Config) {
	m.logger.Info("configuration applied",
		"detach", cfg.Handlers.Detach.Path,
		"detach_abort", cfg.Handlers.DetachAbort.Path,
		"attach", cfg.Handlers.Attach.Path,
		"heartbeat", cfg.Heartbeat)

	if cfg.Heartbeat != m.cfg.Heartbeat && m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	m.cfg = cfg
	m.updateHeartbeat()
}

// updateHeartbeat keeps the heartbeat ticker running whenever an interval is
// configured.
func (m *Machine) updateHeartbeat() {
	switch {
	case m.heartbeat == nil && m.cfg.Heartbeat > 0:
		m.heartbeat = time.NewTicker(m.cfg.Heartbeat)
	case m.heartbeat != nil && m.cfg.Heartbeat <= 0:
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

func (m *Machine) sendHeartbeat() {
	if m.linkDown {
		return
	}
	if !m.hbFailedRecent {
		m.hbFailures = 0
	}
	m.hbFailedRecent = false
	m.logger.Log(context.Background(), config.LevelTrace, "heartbeat", "state", m.state.String())
	m.link.Issue(dtx.CmdHeartbeat)
}

// onHeartbeatError reports the first failure of a run of failed heartbeats.
// The rest are only logged until a heartbeat interval passes without one.
func (m *Machine) onHeartbeatError(evt dtx.Event) {
	m.hbFailedRecent = true
	m.hbFailures++
	if m.hbFailures > 1 {
		m.logger.Debug("heartbeat still failing", "failures", m.hbFailures, "code", evt.Code.String())
		return
	}

	msg := fmt.Sprintf("%s command: %s", evt.Command, evt.Code)
	if evt.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, evt.Err)
	}
	m.logger.Error("heartbeat failed", "code", fmt.Sprintf("%#04x", uint16(evt.Code)), "message", msg, "state", m.state.String())
	m.emit(Status{Kind: StatusError, Code: evt.Code, Message: msg})
}

func (m *Machine) heartbeatC() <-chan time.Time {
	if m.heartbeat == nil {
		return nil
	}
	return m.heartbeat.C
}

func (m *Machine) shutdown() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.active == nil {
		m.logger.Info("coordinator stopped")
		return
	}

	m.logger.Info("waiting for handler to exit", "handler", string(m.active.point))
	m.active.cancel()
	res := <-m.results
	m.active = nil
	m.logger.Info("handler exited during shutdown", "handler", string(res.point), "outcome", res.outcome.Kind.String())

	if res.point == handler.PointDetach {
		m.link.Issue(dtx.CmdCancel)
	}
	m.logger.Info("coordinator stopped")
}
