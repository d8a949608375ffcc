// Package dtxtest provides an in-memory dtx.Link for tests.
package dtxtest

import (
	"sync"
	"time"

	"github.com/jmylchreest/surface-dtx/internal/dtx"
	"github.com/jmylchreest/surface-dtx/internal/queue"
)

// FakeLink records issued commands and delivers injected events.
type FakeLink struct {
	events *queue.Queue[dtx.Event]

	mu       sync.Mutex
	commands []dtx.Command
	changed  chan struct{}

	// Respond, when set, is called for every issued command. Returned events
	// are delivered as if the hardware had sent them.
	Respond func(cmd dtx.Command) []dtx.Event
}

// New returns an empty fake link.
func New() *FakeLink {
	return &FakeLink{
		events:  queue.New[dtx.Event](),
		changed: make(chan struct{}),
	}
}

// Events implements dtx.Link.
func (f *FakeLink) Events() <-chan dtx.Event {
	return f.events.Out()
}

// Issue implements dtx.Link.
func (f *FakeLink) Issue(cmd dtx.Command) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	close(f.changed)
	f.changed = make(chan struct{})
	respond := f.Respond
	f.mu.Unlock()

	if respond != nil {
		for _, evt := range respond(cmd) {
			f.events.Push(evt)
		}
	}
}

// Send injects an event.
func (f *FakeLink) Send(evt dtx.Event) {
	f.events.Push(evt)
}

// Close ends the event stream.
func (f *FakeLink) Close() {
	f.events.Close()
}

// Commands returns a copy of every command issued so far.
func (f *FakeLink) Commands() []dtx.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dtx.Command, len(f.commands))
	copy(out, f.commands)
	return out
}

// Count returns how many times cmd was issued.
func (f *FakeLink) Count(cmd dtx.Command) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

// WaitFor blocks until cmd has been issued at least n times or timeout
// elapses. Returns whether the count was reached.
func (f *FakeLink) WaitFor(cmd dtx.Command, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		f.mu.Lock()
		count := 0
		for _, c := range f.commands {
			if c == cmd {
				count++
			}
		}
		changed := f.changed
		f.mu.Unlock()

		if count >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}
