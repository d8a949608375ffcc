package daemon

import (
	"fmt"

	"github.com/jmylchreest/surface-dtx/internal/dtx"
)

// DetachState is the coordinator's view of the detach cycle.
type DetachState int

const (
	StateIdle DetachState = iota
	StateDetachInProgress
	StateAwaitingPhysicalDetach
	StateAttachInProgress
)

// String returns the wire name of the state.
func (s DetachState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetachInProgress:
		return "detach-in-progress"
	case StateAwaitingPhysicalDetach:
		return "awaiting-physical-detach"
	case StateAttachInProgress:
		return "attach-in-progress"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseDetachState maps a wire name back to its DetachState.
func ParseDetachState(s string) (DetachState, bool) {
	for _, st := range []DetachState{StateIdle, StateDetachInProgress, StateAwaitingPhysicalDetach, StateAttachInProgress} {
		if st.String() == s {
			return st, true
		}
	}
	return StateIdle, false
}

// Reason explains a DetachState transition.
type Reason string

const (
	ReasonRequest        Reason = "request"
	ReasonCommence       Reason = "commence"
	ReasonAbort          Reason = "abort"
	ReasonTimeout        Reason = "timeout"
	ReasonFailed         Reason = "failed"
	ReasonAttach         Reason = "attach"
	ReasonAttachComplete Reason = "attach-complete"
	ReasonDetachComplete Reason = "detach-complete"
	ReasonError          Reason = "error"
	ReasonNotAttached    Reason = "not-attached"
	ReasonNotFeasible    Reason = "not-feasible"
)

// StatusKind discriminates Status.
type StatusKind int

const (
	StatusDetachState StatusKind = iota + 1
	StatusDeviceMode
	StatusError
	StatusLatch
	StatusBase
)

// Status is an outward notification produced by the Machine.
type Status struct {
	Kind StatusKind

	State  DetachState // StatusDetachState
	Reason Reason      // StatusDetachState

	Mode  dtx.DeviceMode // StatusDeviceMode
	Latch dtx.LatchState // StatusLatch
	Base  dtx.BaseState  // StatusBase

	Code    dtx.Code // StatusError
	Message string   // StatusError
}

func (s Status) String() string {
	switch s.Kind {
	case StatusDetachState:
		return fmt.Sprintf("detach-state %s (%s)", s.State, s.Reason)
	case StatusDeviceMode:
		return fmt.Sprintf("device-mode %s", s.Mode)
	case StatusError:
		return fmt.Sprintf("error %#04x: %s", uint16(s.Code), s.Message)
	case StatusLatch:
		return fmt.Sprintf("latch %s", s.Latch)
	case StatusBase:
		return fmt.Sprintf("base %s", s.Base)
	default:
		return fmt.Sprintf("status(%d)", int(s.Kind))
	}
}

// Snapshot is the current value of every readable property.
type Snapshot struct {
	State DetachState
	Mode  dtx.DeviceMode
	Latch dtx.LatchState
	Base  dtx.BaseState
}
