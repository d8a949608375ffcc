//go:build linux

package dtx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// ioctl requests, magic 0xa5.
const (
	ioEventsEnable   = 0xa521
	ioEventsDisable  = 0xa522
	ioLatchLock      = 0xa523
	ioLatchUnlock    = 0xa524
	ioLatchRequest   = 0xa525
	ioLatchConfirm   = 0xa526
	ioLatchHeartbeat = 0xa527
	ioLatchCancel    = 0xa528
	ioGetBaseInfo    = 0x8004a529 // _IOR, struct { u16 state; u16 base_id }
	ioGetDeviceMode  = 0x8002a52a // _IOR, u16
	ioGetLatchStatus = 0x8002a52b // _IOR, u16
)

var commandRequests = map[Command]uint{
	CmdLock:      ioLatchLock,
	CmdUnlock:    ioLatchUnlock,
	CmdRequest:   ioLatchRequest,
	CmdOpen:      ioLatchConfirm,
	CmdHeartbeat: ioLatchHeartbeat,
	CmdCancel:    ioLatchCancel,
}

// Device is an open session with the controller character device.
type Device struct {
	file   *os.File
	dec    *Decoder
	logger *slog.Logger
}

// OpenDevice opens path and enables the event stream.
func OpenDevice(path string, logger *slog.Logger) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &LinkError{Op: "open", Path: path, Err: err}
	}

	d := &Device{
		file:   f,
		dec:    NewDecoder(f),
		logger: logger.With("component", "dtx-device"),
	}
	if err := d.ioctl(ioEventsEnable); err != nil {
		f.Close()
		return nil, &LinkError{Op: "enable events", Path: path, Err: err}
	}

	return d, nil
}

// ReadEvent blocks until the next recognised event. Unknown records are
// logged and skipped.
func (d *Device) ReadEvent() (Event, error) {
	for {
		raw, err := d.dec.Decode()
		if err != nil {
			return Event{}, &LinkError{Op: "read", Path: d.file.Name(), Err: err}
		}
		if evt, ok := Translate(raw); ok {
			return evt, nil
		}
		d.logger.Debug("ignoring unknown event", "code", raw.Code, "len", len(raw.Data))
	}
}

// Exec runs cmd. Query commands return the resulting event.
func (d *Device) Exec(cmd Command) (Event, error) {
	switch cmd {
	case CmdQueryDeviceMode:
		v, err := d.ioctlRead(ioGetDeviceMode)
		if err != nil {
			return Event{}, err
		}
		return modeEvent(uint16(v)), nil

	case CmdQueryLatch:
		v, err := d.ioctlRead(ioGetLatchStatus)
		if err != nil {
			return Event{}, err
		}
		return latchEvent(uint16(v)), nil

	case CmdQueryBase:
		v, err := d.ioctlRead(ioGetBaseInfo)
		if err != nil {
			return Event{}, err
		}
		return baseEvent(uint16(v), uint16(v>>16)), nil
	}

	req, ok := commandRequests[cmd]
	if !ok {
		return Event{}, fmt.Errorf("unsupported command %s", cmd)
	}
	return Event{}, d.ioctl(req)
}

// Close disables events and closes the device. A blocked ReadEvent returns.
func (d *Device) Close() error {
	// Best effort; the fd is going away regardless.
	_ = d.ioctl(ioEventsDisable)
	return d.file.Close()
}

func (d *Device) ioctl(req uint) error {
	return d.control(func(fd int) error {
		_, err := unix.IoctlRetInt(fd, req)
		return err
	})
}

func (d *Device) ioctlRead(req uint) (uint32, error) {
	var v uint32
	err := d.control(func(fd int) error {
		var err error
		v, err = unix.IoctlGetUint32(fd, req)
		return err
	})
	return v, err
}

// control runs fn on the raw descriptor without switching the file into
// blocking mode, which os.File.Fd would do.
func (d *Device) control(fn func(fd int) error) error {
	rc, err := d.file.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	if errors.Is(opErr, unix.ENOTTY) {
		return fmt.Errorf("%s is not a DTX device: %w", d.file.Name(), opErr)
	}
	return opErr
}
