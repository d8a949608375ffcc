//go:build !linux

package dtx

import (
	"errors"
	"log/slog"
)

// Device is unavailable off Linux.
type Device struct{}

// OpenDevice always fails off Linux.
func OpenDevice(path string, _ *slog.Logger) (*Device, error) {
	return nil, &LinkError{Op: "open", Path: path, Err: errors.ErrUnsupported}
}

func (d *Device) ReadEvent() (Event, error) {
	return Event{}, errors.ErrUnsupported
}

func (d *Device) Exec(Command) (Event, error) {
	return Event{}, errors.ErrUnsupported
}

func (d *Device) Close() error {
	return nil
}
