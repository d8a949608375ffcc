package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunner(opts ...Option) *Runner {
	return NewRunner(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

// processGone reports whether pid no longer runs. Zombies count as gone.
func processGone(t *testing.T, pid int) bool {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	require.NoError(t, err)
	// pid (comm) state ...
	rest := string(data[strings.LastIndexByte(string(data), ')')+1:])
	fields := strings.Fields(rest)
	return len(fields) > 0 && (fields[0] == "Z" || fields[0] == "X")
}

func TestRun_ExitCodeMapping(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     Kind
		exitCode int
	}{
		{"commence", "exit 0", Commence, 0},
		{"abort", "exit 1", Abort, 1},
		{"other code fails", "exit 3", Failed, 3},
		{"env contract", `[ "$EXIT_DETACH_COMMENCE" = 0 ] && [ "$EXIT_DETACH_ABORT" = 1 ] && exit "$EXIT_DETACH_ABORT"; exit 7`, Abort, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeScript(t, dir, "handler.sh", tt.body)

			out := testRunner().Run(context.Background(), PointDetach, Spec{Path: path, Timeout: 5 * time.Second, Dir: dir})
			assert.Equal(t, tt.want, out.Kind)
			assert.Equal(t, tt.exitCode, out.ExitCode)
			assert.NotEmpty(t, out.RunID)
		})
	}
}

func TestRun_KilledBySignalIsFailed(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "handler.sh", "kill -KILL $$")

	out := testRunner().Run(context.Background(), PointDetach, Spec{Path: path, Timeout: 5 * time.Second, Dir: dir})
	assert.Equal(t, Failed, out.Kind)
	assert.NotEmpty(t, out.Signal)
	assert.Equal(t, "failed", out.Reason())
}

func TestRun_NoHandlerCommences(t *testing.T) {
	out := testRunner().Run(context.Background(), PointAttach, Spec{})
	assert.Equal(t, Commence, out.Kind)
	assert.Zero(t, out.PID)
	assert.NoError(t, out.Err)
}

func TestRun_SpawnFailure(t *testing.T) {
	dir := t.TempDir()
	out := testRunner().Run(context.Background(), PointDetach, Spec{
		Path:    filepath.Join(dir, "missing.sh"),
		Timeout: time.Second,
		Dir:     dir,
	})
	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, ErrSpawn)
}

func TestRun_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "handler.sh", `pwd -P > cwd.txt`)

	out := testRunner().Run(context.Background(), PointAttach, Spec{Path: path, Timeout: 5 * time.Second, Dir: dir})
	require.Equal(t, Commence, out.Kind)

	got, err := os.ReadFile(filepath.Join(dir, "cwd.txt"))
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSpace(string(got)))
}

func TestRun_TimeoutTerminatesGracefully(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "handler.sh", "exec sleep 1000")

	timeout := 200 * time.Millisecond
	start := time.Now()
	out := testRunner(WithGrace(time.Second)).Run(context.Background(), PointDetach, Spec{Path: path, Timeout: timeout, Dir: dir})

	assert.Equal(t, Timeout, out.Kind)
	assert.ErrorIs(t, out.Err, ErrTimeout)
	assert.Less(t, time.Since(start), timeout+time.Second, "SIGTERM should be enough")
}

func TestRun_TimeoutKillsWholeGroup(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process inspection uses /proc")
	}

	dir := t.TempDir()
	path := writeScript(t, dir, "handler.sh", `trap '' TERM
sleep 1000 &
echo $! > child.pid
while :; do sleep 0.1; done`)

	timeout := 300 * time.Millisecond
	grace := 200 * time.Millisecond
	start := time.Now()
	out := testRunner(WithGrace(grace)).Run(context.Background(), PointDetach, Spec{Path: path, Timeout: timeout, Dir: dir})
	elapsed := time.Since(start)

	assert.Equal(t, Timeout, out.Kind)
	assert.Less(t, elapsed, timeout+grace+2*time.Second)

	assert.True(t, processGone(t, out.PID), "handler still running")

	raw, err := os.ReadFile(filepath.Join(dir, "child.pid"))
	require.NoError(t, err)
	child, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return processGone(t, child) }, time.Second, 20*time.Millisecond,
		"background child survived")
}

func TestRun_ContextCancelKillsHandler(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "handler.sh", "exec sleep 1000")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	out := testRunner(WithGrace(500*time.Millisecond)).Run(ctx, PointAttach, Spec{Path: path, Timeout: time.Minute, Dir: dir})
	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestRun_DelayBeforeSpawn(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "handler.sh", "exit 0")

	start := time.Now()
	out := testRunner().Run(context.Background(), PointAttach, Spec{
		Path:    path,
		Timeout: 5 * time.Second,
		Delay:   150 * time.Millisecond,
		Dir:     dir,
	})
	assert.Equal(t, Commence, out.Kind)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestRun_DelayCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := testRunner().Run(ctx, PointAttach, Spec{Path: "/bin/true", Delay: time.Minute})
	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Zero(t, out.PID, "nothing spawned")
}

func TestRun_OutputLimit(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "handler.sh", `echo first; printf '%0200d\n' 0; echo warning >&2`)

	var logs bytes.Buffer
	r := NewRunner(slog.New(slog.NewTextHandler(&logs, nil)), WithOutputLimit(16))
	out := r.Run(context.Background(), PointDetach, Spec{Path: path, Timeout: 5 * time.Second, Dir: dir})
	require.Equal(t, Commence, out.Kind)

	text := logs.String()
	assert.Contains(t, text, "line=first")
	assert.Contains(t, text, "line=warning")
	assert.Equal(t, 1, strings.Count(text, "handler output truncated"), "stderr stayed within the limit")
	assert.Contains(t, text, "stream=stdout")
}

func TestCapture_Bounded(t *testing.T) {
	c := newCapture(8)

	n, err := c.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = c.Write([]byte("world!"))
	require.NoError(t, err)
	assert.Equal(t, 6, n, "writes always report full length")

	text, dropped := c.snapshot()
	assert.Equal(t, "hello wo", text)
	assert.Equal(t, int64(4), dropped)
}
