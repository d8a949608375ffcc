package dtx

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Event codes on the wire.
const (
	rawRequest        uint16 = 1
	rawCancel         uint16 = 2
	rawBaseConnection uint16 = 3
	rawLatchStatus    uint16 = 4
	rawDeviceMode     uint16 = 5
)

// maxPayload bounds a single event. Real events carry at most four bytes.
const maxPayload = 1024

// RawEvent is one undecoded record from the event stream.
type RawEvent struct {
	Code uint16
	Data []byte
}

// Decoder reads raw events. The stream is a sequence of records made of a
// little endian u16 payload length, a u16 event code and the payload.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 128)}
}

// Decode reads the next record.
func (d *Decoder) Decode() (RawEvent, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return RawEvent{}, err
	}

	length := binary.LittleEndian.Uint16(hdr[0:2])
	code := binary.LittleEndian.Uint16(hdr[2:4])
	if length > maxPayload {
		return RawEvent{}, fmt.Errorf("event %d: payload length %d exceeds %d", code, length, maxPayload)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(d.r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return RawEvent{}, fmt.Errorf("event %d: short payload: %w", code, err)
	}

	return RawEvent{Code: code, Data: data}, nil
}

func (e RawEvent) u16(i int) (uint16, bool) {
	if len(e.Data) < 2*(i+1) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(e.Data[2*i:]), true
}

// Translate turns a raw record into an Event. Unknown codes and malformed
// payloads return false.
func Translate(raw RawEvent) (Event, bool) {
	switch raw.Code {
	case rawRequest:
		return Event{Kind: EventDetachRequest}, true

	case rawCancel:
		reason, ok := raw.u16(0)
		if !ok {
			return Event{}, false
		}
		code := Code(reason)
		if code.Category() == CategoryHardware {
			return Event{Kind: EventHardwareError, Code: code}, true
		}
		return Event{Kind: EventDetachCancel, Code: code}, true

	case rawBaseConnection:
		state, ok := raw.u16(0)
		if !ok {
			return Event{}, false
		}
		id, _ := raw.u16(1)
		return baseEvent(state, id), true

	case rawLatchStatus:
		status, ok := raw.u16(0)
		if !ok {
			return Event{}, false
		}
		return latchEvent(status), true

	case rawDeviceMode:
		v, ok := raw.u16(0)
		if !ok {
			return Event{}, false
		}
		return modeEvent(v), true
	}

	return Event{}, false
}

// latchEvent maps a latch status value. Values with an error category are
// failures reported through the latch status channel and are marked as
// latch faults.
func latchEvent(v uint16) Event {
	switch v {
	case 0:
		return Event{Kind: EventLatchState, Latch: LatchClosed}
	case 1:
		return Event{Kind: EventLatchState, Latch: LatchOpened}
	}

	code := Code(v)
	if !code.IsError() {
		code = CodeInvalidData
	}
	return Event{Kind: EventHardwareError, Code: code, LatchFault: true}
}

func baseEvent(state, id uint16) Event {
	evt := Event{Kind: EventBaseState, BaseID: id}
	switch Code(state) {
	case 0:
		evt.Base = BaseDetached
	case 1:
		evt.Base = BaseAttached
	case CodeNotFeasible:
		evt.Base = BaseNotFeasible
	default:
		evt.Base = BaseUnknown
	}
	return evt
}

func modeEvent(v uint16) Event {
	mode, ok := deviceModeFromRaw(v)
	if !ok {
		return Event{Kind: EventHardwareError, Code: CodeInvalidData,
			Err: fmt.Errorf("invalid device mode %d", v)}
	}
	return Event{Kind: EventDeviceMode, Mode: mode}
}
