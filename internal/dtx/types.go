// Package dtx talks to the clipboard latch controller of Surface Book class
// devices through the /dev/surface/dtx character device.
//
// Everything the controller reports arrives as an Event on a single ordered
// channel. Commands are fire-and-forget: a failed command comes back as an
// EventHardwareError carrying the command that failed.
package dtx

import (
	"fmt"
	"strings"
)

// DeviceMode is the physical posture reported by the controller.
type DeviceMode int

const (
	ModeUnknown DeviceMode = iota
	ModeLaptop
	ModeTablet
	ModeStudio
)

func (m DeviceMode) String() string {
	switch m {
	case ModeLaptop:
		return "laptop"
	case ModeTablet:
		return "tablet"
	case ModeStudio:
		return "studio"
	default:
		return "unknown"
	}
}

// deviceModeFromRaw maps the firmware value (tablet=0, laptop=1, studio=2).
func deviceModeFromRaw(v uint16) (DeviceMode, bool) {
	switch v {
	case 0:
		return ModeTablet, true
	case 1:
		return ModeLaptop, true
	case 2:
		return ModeStudio, true
	default:
		return ModeUnknown, false
	}
}

// LatchState is the position of the physical latch.
type LatchState int

const (
	LatchUnknown LatchState = iota
	LatchClosed
	LatchOpened
)

func (l LatchState) String() string {
	switch l {
	case LatchClosed:
		return "closed"
	case LatchOpened:
		return "opened"
	default:
		return "unknown"
	}
}

// BaseState describes whether the keyboard base is connected.
type BaseState int

const (
	BaseUnknown BaseState = iota
	BaseDetached
	BaseAttached
	BaseNotFeasible
)

func (b BaseState) String() string {
	switch b {
	case BaseDetached:
		return "detached"
	case BaseAttached:
		return "attached"
	case BaseNotFeasible:
		return "not-feasible"
	default:
		return "unknown"
	}
}

// Code is a status or error code. The top nibble is the category.
type Code uint16

// Code categories.
const (
	CategoryStatus   Code = 0x0000
	CategoryRuntime  Code = 0x1000
	CategoryHardware Code = 0x2000
	CategoryLink     Code = 0x4000
	CategoryUnknown  Code = 0xf000

	categoryMask Code = 0xf000
)

// Known codes. Runtime and hardware values come from the firmware; link
// values are raised by this package.
const (
	CodeNotFeasible        = CategoryRuntime | 0x01
	CodeTimedOut           = CategoryRuntime | 0x02
	CodeFailedToOpen       = CategoryHardware | 0x01
	CodeFailedToRemainOpen = CategoryHardware | 0x02
	CodeFailedToClose      = CategoryHardware | 0x03
	CodeLinkDown           = CategoryLink | 0x01
	CodeCommandFailed      = CategoryLink | 0x02
	CodeNotConnected       = CategoryLink | 0x03
	CodeInvalidData        = CategoryLink | 0x04
)

// Category returns the category bits of c.
func (c Code) Category() Code {
	return c & categoryMask
}

// IsError reports whether c denotes any kind of failure.
func (c Code) IsError() bool {
	return c.Category() != CategoryStatus
}

func (c Code) String() string {
	switch c {
	case CodeNotFeasible:
		return "detachment not feasible"
	case CodeTimedOut:
		return "detachment timed out"
	case CodeFailedToOpen:
		return "latch failed to open"
	case CodeFailedToRemainOpen:
		return "latch failed to remain open"
	case CodeFailedToClose:
		return "latch failed to close"
	case CodeLinkDown:
		return "device link lost"
	case CodeCommandFailed:
		return "device command failed"
	case CodeNotConnected:
		return "device not connected"
	case CodeInvalidData:
		return "device returned invalid data"
	}

	switch c.Category() {
	case CategoryRuntime:
		return fmt.Sprintf("runtime error %#04x", uint16(c))
	case CategoryHardware:
		return fmt.Sprintf("hardware error %#04x", uint16(c))
	case CategoryLink:
		return fmt.Sprintf("link error %#04x", uint16(c))
	case CategoryStatus:
		return fmt.Sprintf("status %#04x", uint16(c))
	default:
		return fmt.Sprintf("unknown error %#04x", uint16(c))
	}
}

// InferLatch guesses the latch position from a latch fault code.
func InferLatch(c Code) (LatchState, bool) {
	switch c {
	case CodeFailedToOpen, CodeFailedToRemainOpen:
		return LatchClosed, true
	case CodeFailedToClose:
		return LatchOpened, true
	default:
		return LatchUnknown, false
	}
}

// Command is an instruction for the controller.
type Command int

const (
	CmdNone Command = iota
	CmdLock
	CmdUnlock
	CmdRequest
	CmdOpen // confirm: lets the latch open
	CmdHeartbeat
	CmdCancel
	CmdQueryDeviceMode
	CmdQueryLatch
	CmdQueryBase
)

var commandNames = map[Command]string{
	CmdNone:            "none",
	CmdLock:            "lock",
	CmdUnlock:          "unlock",
	CmdRequest:         "request",
	CmdOpen:            "open",
	CmdHeartbeat:       "heartbeat",
	CmdCancel:          "cancel",
	CmdQueryDeviceMode: "query-device-mode",
	CmdQueryLatch:      "query-latch",
	CmdQueryBase:       "query-base",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// IsQuery reports whether the command reads state instead of changing it.
func (c Command) IsQuery() bool {
	return c == CmdQueryDeviceMode || c == CmdQueryLatch || c == CmdQueryBase
}

// EventKind discriminates Event.
type EventKind int

const (
	EventDetachRequest EventKind = iota + 1
	EventDetachCancel
	EventHardwareError
	EventLatchState
	EventDeviceMode
	EventBaseState
	EventLinkDown
	EventLinkUp
)

func (k EventKind) String() string {
	switch k {
	case EventDetachRequest:
		return "detach-request"
	case EventDetachCancel:
		return "detach-cancel"
	case EventHardwareError:
		return "hardware-error"
	case EventLatchState:
		return "latch-state"
	case EventDeviceMode:
		return "device-mode"
	case EventBaseState:
		return "base-state"
	case EventLinkDown:
		return "link-down"
	case EventLinkUp:
		return "link-up"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a single report from the link. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind EventKind

	Mode   DeviceMode // EventDeviceMode
	Latch  LatchState // EventLatchState
	Base   BaseState  // EventBaseState
	BaseID uint16     // EventBaseState

	// Code is the error code for EventHardwareError and EventLinkDown, and
	// the reason for EventDetachCancel.
	Code Code

	// Command is the command that failed, CmdNone when the firmware raised
	// the error on its own.
	Command Command

	// LatchFault is set on EventHardwareError when the latch status itself
	// reported the failure. The latch position is unknown until re-read.
	LatchFault bool

	Err error
}

func (e Event) String() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	switch e.Kind {
	case EventDeviceMode:
		fmt.Fprintf(&b, " mode=%s", e.Mode)
	case EventLatchState:
		fmt.Fprintf(&b, " latch=%s", e.Latch)
	case EventBaseState:
		fmt.Fprintf(&b, " base=%s id=%#04x", e.Base, e.BaseID)
	case EventDetachCancel:
		fmt.Fprintf(&b, " reason=%q", e.Code)
	case EventHardwareError, EventLinkDown:
		fmt.Fprintf(&b, " code=%#04x (%s)", uint16(e.Code), e.Code)
		if e.Command != CmdNone {
			fmt.Fprintf(&b, " command=%s", e.Command)
		}
		if e.LatchFault {
			b.WriteString(" latch-fault")
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " err=%v", e.Err)
	}
	return b.String()
}

// Link is the hardware link as seen by the state machine.
type Link interface {
	// Events delivers hardware events in order. There is a single consumer.
	Events() <-chan Event

	// Issue sends a command without blocking. Failures are reported as
	// EventHardwareError. Query results arrive as ordinary events.
	Issue(cmd Command)
}
