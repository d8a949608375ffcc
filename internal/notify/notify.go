// Package notify turns coordinator signals into desktop notifications for
// the logged-in user.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/surface-dtx/internal/daemon"
	"github.com/jmylchreest/surface-dtx/internal/dbus"
)

const summary = "Surface DTX"

// Notifier shows and closes desktop notifications.
type Notifier interface {
	Notify(n *dbus.Notification) (uint32, error)
	Close(id uint32) error
}

// State is what the user has currently been told.
type State int

const (
	Quiet State = iota
	PendingDetachNotified
	PendingAttachNotified
)

func (s State) String() string {
	switch s {
	case Quiet:
		return "quiet"
	case PendingDetachNotified:
		return "pending-detach"
	case PendingAttachNotified:
		return "pending-attach"
	default:
		return "unknown"
	}
}

// Level is the severity of a notification.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// Service tracks coordinator signals and keeps at most one pending
// notification on screen.
type Service struct {
	notifier Notifier
	logger   *slog.Logger

	state     State
	pendingID uint32
	last      daemon.Status
	seen      bool
}

// New creates a Service.
func New(notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		notifier: notifier,
		logger:   logger.With("component", "notify"),
	}
}

// State returns the current notification state.
func (s *Service) State() State {
	return s.state
}

// Run handles statuses until the channel closes or ctx is done.
func (s *Service) Run(ctx context.Context, statuses <-chan daemon.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			s.Handle(st)
		}
	}
}

// Handle reacts to a single status.
func (s *Service) Handle(st daemon.Status) {
	if s.seen && st == s.last {
		s.logger.Debug("ignoring repeated signal", "status", st.String())
		return
	}
	s.last, s.seen = st, true

	switch st.Kind {
	case daemon.StatusDetachState:
		s.onDetachState(st)
	case daemon.StatusError:
		s.dismiss()
		s.show(LevelWarning, fmt.Sprintf("Clipboard error: %s.", st.Message), false)
		s.state = Quiet
	}
}

func (s *Service) onDetachState(st daemon.Status) {
	switch st.State {
	case daemon.StateAwaitingPhysicalDetach:
		if s.state == PendingDetachNotified {
			return
		}
		s.pendingID = s.show(LevelError, "Clipboard can be detached.", true)
		s.state = PendingDetachNotified

	case daemon.StateAttachInProgress:
		if s.state == PendingAttachNotified {
			return
		}
		s.pendingID = s.show(LevelInfo, "Clipboard is being attached.", true)
		s.state = PendingAttachNotified

	case daemon.StateIdle:
		switch st.Reason {
		case daemon.ReasonAttachComplete:
			// Replaces the pending notification in place.
			s.show(LevelInfo, "Clipboard attached.", false)
			s.pendingID = 0
		case daemon.ReasonError, daemon.ReasonDetachComplete:
			// Errors were already reported through the Error signal.
			s.dismiss()
		default:
			s.dismiss()
			s.show(LevelWarning, idleMessage(st.Reason), false)
		}
		s.state = Quiet
	}
}

// show sends a notification, replacing the pending one if there is any.
// Resident notifications never expire and are returned for later dismissal.
func (s *Service) show(level Level, body string, resident bool) uint32 {
	n := &dbus.Notification{
		ReplacesID: s.pendingID,
		Summary:    summary,
		Body:       body,
	}

	switch level {
	case LevelInfo:
		n.Urgency = dbus.UrgencyNormal
		n.Icon = "input-tablet"
	case LevelWarning:
		n.Urgency = dbus.UrgencyNormal
		n.Icon = "dialog-warning"
	case LevelError:
		n.Urgency = dbus.UrgencyCritical
		n.Icon = "input-tablet"
	}

	if resident {
		n.Resident = true
		n.ExpireTimeout = 0
	} else {
		n.Transient = true
		n.ExpireTimeout = -1
	}

	id, err := s.notifier.Notify(n)
	if err != nil {
		s.logger.Warn("failed to show notification", "body", body, "error", err)
		return 0
	}
	s.logger.Debug("notification shown", "id", id, "body", body, "state", s.state.String())
	return id
}

func (s *Service) dismiss() {
	if s.pendingID == 0 {
		return
	}
	if err := s.notifier.Close(s.pendingID); err != nil {
		s.logger.Warn("failed to close notification", "id", s.pendingID, "error", err)
	}
	s.pendingID = 0
}

func idleMessage(reason daemon.Reason) string {
	switch reason {
	case daemon.ReasonAbort:
		return "Clipboard detach aborted."
	case daemon.ReasonTimeout:
		return "Clipboard detach timed out."
	case daemon.ReasonFailed:
		return "Clipboard detach failed."
	case daemon.ReasonNotAttached:
		return "No clipboard attached."
	case daemon.ReasonNotFeasible:
		return "Clipboard cannot be detached right now. Check the battery level."
	default:
		return fmt.Sprintf("Clipboard detach ended (%s).", reason)
	}
}
