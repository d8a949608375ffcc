// Package handler runs the user-configured detach and attach handler
// executables and turns their exit into an Outcome.
//
// Handlers run in their own process group so that a timeout can take down
// everything they spawned. The exit-code contract is exported as ExitCommence
// and ExitAbort and is also passed to handlers through the environment.
package handler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
)

// Exit codes a handler uses to answer the daemon.
const (
	ExitCommence = 0
	ExitAbort    = 1
)

// Defaults for Runner.
const (
	DefaultGrace       = 2 * time.Second
	DefaultOutputLimit = 64 * 1024
)

var (
	// ErrSpawn marks handlers that could not be started.
	ErrSpawn = errors.New("handler could not be spawned")

	// ErrTimeout marks handlers that were killed for exceeding their timeout.
	ErrTimeout = errors.New("handler timed out")
)

// Point names the lifecycle point a handler serves.
type Point string

const (
	PointDetach      Point = "detach"
	PointDetachAbort Point = "detach_abort"
	PointAttach      Point = "attach"
)

// Spec describes a configured handler.
type Spec struct {
	Path    string // Empty means no handler; the run commences immediately
	Timeout time.Duration
	Delay   time.Duration // Wait before spawning
	Dir     string        // Working directory
}

// Kind classifies an Outcome.
type Kind int

const (
	Commence Kind = iota
	Abort
	Timeout
	Failed
)

func (k Kind) String() string {
	switch k {
	case Commence:
		return "commence"
	case Abort:
		return "abort"
	case Timeout:
		return "timeout"
	default:
		return "failed"
	}
}

// Outcome is the result of a single handler run.
type Outcome struct {
	Kind     Kind
	ExitCode int    // -1 unless the process exited on its own
	Signal   string // Set when the process died from a signal it was not sent by us
	Err      error
	RunID    string
	PID      int
	Duration time.Duration
}

// Reason returns the status reason string for the outcome.
func (o Outcome) Reason() string {
	return o.Kind.String()
}

// Runner spawns handlers.
type Runner struct {
	logger      *slog.Logger
	grace       time.Duration
	outputLimit int
}

// Option configures a Runner.
type Option func(*Runner)

// WithGrace sets how long a timed out handler gets between SIGTERM and SIGKILL.
func WithGrace(d time.Duration) Option {
	return func(r *Runner) { r.grace = d }
}

// WithOutputLimit bounds how much of each output stream is kept.
func WithOutputLimit(n int) Option {
	return func(r *Runner) { r.outputLimit = n }
}

// NewRunner creates a Runner.
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		logger:      logger.With("component", "handler"),
		grace:       DefaultGrace,
		outputLimit: DefaultOutputLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the handler for point and blocks until it has finished and
// every process in its group is gone, or it has been killed. Cancelling ctx
// kills the handler the same way a timeout does.
func (r *Runner) Run(ctx context.Context, point Point, spec Spec) Outcome {
	runID := newRunID()
	logger := r.logger.With("handler", string(point), "run", runID)

	if spec.Path == "" {
		logger.Debug("no handler configured, continuing")
		return Outcome{Kind: Commence, RunID: runID}
	}

	if spec.Delay > 0 {
		logger.Debug("delaying handler", "delay", spec.Delay)
		timer := time.NewTimer(spec.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Outcome{Kind: Failed, ExitCode: -1, Err: ctx.Err(), RunID: runID}
		}
	}

	stdout := newCapture(r.outputLimit)
	stderr := newCapture(r.outputLimit)

	cmd := exec.Command(spec.Path)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(),
		"EXIT_DETACH_COMMENCE="+strconv.Itoa(ExitCommence),
		"EXIT_DETACH_ABORT="+strconv.Itoa(ExitAbort),
		"SDTX_HANDLER="+string(point),
	)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = sysProcAttr()
	// Background children may hold the output pipes; don't wait on them forever.
	cmd.WaitDelay = r.grace

	start := time.Now()
	logger.Info("running handler", "path", spec.Path, "timeout", spec.Timeout)
	if err := cmd.Start(); err != nil {
		logger.Error("failed to spawn handler", "path", spec.Path, "error", err)
		return Outcome{Kind: Failed, ExitCode: -1, Err: fmt.Errorf("%w: %w", ErrSpawn, err), RunID: runID}
	}

	pid := cmd.Process.Pid
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var expired <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var out Outcome
	select {
	case err := <-done:
		out = outcomeFromWait(err)

	case <-expired:
		logger.Warn("handler timed out, terminating process group", "pid", pid, "timeout", spec.Timeout)
		r.terminate(pid, done, logger)
		out = Outcome{Kind: Timeout, ExitCode: -1, Err: fmt.Errorf("%w after %s", ErrTimeout, spec.Timeout)}

	case <-ctx.Done():
		logger.Warn("handler cancelled, terminating process group", "pid", pid)
		r.terminate(pid, done, logger)
		out = Outcome{Kind: Failed, ExitCode: -1, Err: ctx.Err()}
	}

	out.RunID = runID
	out.PID = pid
	out.Duration = time.Since(start)

	logOutput(logger, "stdout", stdout, slog.LevelInfo)
	logOutput(logger, "stderr", stderr, slog.LevelWarn)

	attrs := []any{"outcome", out.Kind.String(), "exit_code", out.ExitCode, "duration", out.Duration}
	if out.Signal != "" {
		attrs = append(attrs, "signal", out.Signal)
	}
	switch {
	case out.Kind == Commence:
		logger.Info("handler finished", attrs...)
	case out.Err != nil:
		logger.Warn("handler finished", append(attrs, "error", out.Err)...)
	default:
		logger.Info("handler finished", attrs...)
	}

	return out
}

// terminate sends SIGTERM to the group, waits up to the grace period for it
// to empty, then SIGKILLs whatever is left. It returns once the direct child
// has been reaped.
func (r *Runner) terminate(pgid int, done <-chan error, logger *slog.Logger) {
	if err := signalGroup(pgid, syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM failed", "pgid", pgid, "error", err)
	}

	deadline := time.NewTimer(r.grace)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()

	reaped := false
	for !reaped || groupAlive(pgid) {
		select {
		case <-done:
			reaped = true
			done = nil
		case <-poll.C:
		case <-deadline.C:
			logger.Warn("handler ignored SIGTERM, killing process group", "pgid", pgid)
			_ = signalGroup(pgid, syscall.SIGKILL)
			if !reaped {
				<-done
			}
			return
		}
	}
}

func outcomeFromWait(err error) Outcome {
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return Outcome{Kind: Commence, ExitCode: ExitCommence}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Outcome{Kind: Failed, ExitCode: -1, Signal: ws.Signal().String(), Err: err}
		}
		switch code := exitErr.ExitCode(); code {
		case ExitCommence:
			return Outcome{Kind: Commence, ExitCode: code}
		case ExitAbort:
			return Outcome{Kind: Abort, ExitCode: code}
		default:
			return Outcome{Kind: Failed, ExitCode: code, Err: err}
		}
	}

	return Outcome{Kind: Failed, ExitCode: -1, Err: err}
}

func logOutput(logger *slog.Logger, stream string, c *capture, level slog.Level) {
	text, dropped := c.snapshot()
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		logger.Log(context.Background(), level, "handler output", "stream", stream, "line", line)
	}
	if dropped > 0 {
		logger.Warn("handler output truncated", "stream", stream, "dropped", humanize.Bytes(uint64(dropped)))
	}
}

func newRunID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return id.String()
}
