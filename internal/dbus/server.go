package dbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/jmylchreest/surface-dtx/internal/daemon"
)

// requestTimeout bounds how long a bus caller waits for the event loop.
const requestTimeout = 5 * time.Second

// Controller is the part of the state machine the bus service needs.
type Controller interface {
	Snapshot() daemon.Snapshot
	Request(ctx context.Context) error
}

// Service exports the coordinator on the system bus.
type Service struct {
	conn   *dbus.Conn
	ctl    Controller
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewService creates a Service on an already connected bus.
func NewService(conn *dbus.Conn, ctl Controller, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		conn:   conn,
		ctl:    ctl,
		logger: logger.With("component", "bus"),
	}
}

// Start exports the object and claims the bus name. Any failure wraps
// ErrRegistration.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("service already running")
	}

	if err := s.conn.Export(s, Path, Interface); err != nil {
		return fmt.Errorf("%w: export object: %w", ErrRegistration, err)
	}
	if err := s.conn.Export(&properties{ctl: s.ctl}, Path, propertiesInterface); err != nil {
		return fmt.Errorf("%w: export properties: %w", ErrRegistration, err)
	}

	node := &introspect.Node{
		Name: string(Path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			propertiesIntrospectData,
			{
				Name:       Interface,
				Methods:    serviceMethods(),
				Signals:    serviceSignals(),
				Properties: serviceProperties(),
			},
		},
	}
	if err := s.conn.Export(introspect.NewIntrospectable(node), Path,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("%w: export introspectable: %w", ErrRegistration, err)
	}

	reply, err := s.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("%w: request name: %w", ErrRegistration, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%w: bus name %s already taken", ErrRegistration, BusName)
	}

	s.running = true
	s.logger.Info("bus service started", "name", BusName, "path", Path)
	return nil
}

// Stop releases the bus name and unexports the object.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if _, err := s.conn.ReleaseName(BusName); err != nil {
		s.logger.Warn("failed to release bus name", "error", err)
	}
	_ = s.conn.Export(nil, Path, Interface)
	_ = s.conn.Export(nil, Path, propertiesInterface)
	_ = s.conn.Export(nil, Path, "org.freedesktop.DBus.Introspectable")

	s.logger.Info("bus service stopped")
	return nil
}

// Request asks the state machine to start a detach cycle.
// D-Bus method: Request() -> nothing
func (s *Service) Request() *dbus.Error {
	s.logger.Debug("Request called")

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := s.ctl.Request(ctx); err != nil {
		s.logger.Warn("bus request failed", "error", err)
		if errors.Is(err, daemon.ErrStopped) {
			return dbus.NewError(Interface+".Error.Stopped", []interface{}{err.Error()})
		}
		return dbus.MakeFailedError(err)
	}
	return nil
}

// properties implements org.freedesktop.DBus.Properties over the snapshot.
type properties struct {
	ctl Controller
}

// Get returns a single property.
// D-Bus method: Get(ss) -> v
func (p *properties) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	if iface != Interface {
		return dbus.Variant{}, unknownInterface(iface)
	}
	v, ok := Properties(p.ctl.Snapshot())[name]
	if !ok {
		return dbus.Variant{}, unknownProperty(name)
	}
	return v, nil
}

// GetAll returns every property of the interface.
// D-Bus method: GetAll(s) -> a{sv}
func (p *properties) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != Interface {
		return nil, unknownInterface(iface)
	}
	return Properties(p.ctl.Snapshot()), nil
}

// Set always fails, every property is read-only.
// D-Bus method: Set(ssv) -> nothing
func (p *properties) Set(iface, name string, _ dbus.Variant) *dbus.Error {
	if iface != Interface {
		return unknownInterface(iface)
	}
	if _, ok := Properties(daemon.Snapshot{})[name]; !ok {
		return unknownProperty(name)
	}
	return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly",
		[]interface{}{fmt.Sprintf("property %s is read-only", name)})
}

func unknownInterface(iface string) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface",
		[]interface{}{fmt.Sprintf("unknown interface %s", iface)})
}

func unknownProperty(name string) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty",
		[]interface{}{fmt.Sprintf("unknown property %s", name)})
}

var propertiesIntrospectData = introspect.Interface{
	Name: propertiesInterface,
	Methods: []introspect.Method{
		{
			Name: "Get",
			Args: []introspect.Arg{
				{Name: "interface", Type: "s", Direction: "in"},
				{Name: "property", Type: "s", Direction: "in"},
				{Name: "value", Type: "v", Direction: "out"},
			},
		},
		{
			Name: "GetAll",
			Args: []introspect.Arg{
				{Name: "interface", Type: "s", Direction: "in"},
				{Name: "props", Type: "a{sv}", Direction: "out"},
			},
		},
		{
			Name: "Set",
			Args: []introspect.Arg{
				{Name: "interface", Type: "s", Direction: "in"},
				{Name: "property", Type: "s", Direction: "in"},
				{Name: "value", Type: "v", Direction: "in"},
			},
		},
	},
	Signals: []introspect.Signal{
		{
			Name: "PropertiesChanged",
			Args: []introspect.Arg{
				{Name: "interface", Type: "s"},
				{Name: "changed_properties", Type: "a{sv}"},
				{Name: "invalidated_properties", Type: "as"},
			},
		},
	},
}

func serviceMethods() []introspect.Method {
	return []introspect.Method{{Name: "Request"}}
}

func serviceSignals() []introspect.Signal {
	return []introspect.Signal{
		{
			Name: SignalDetachStateChanged,
			Args: []introspect.Arg{
				{Name: "state", Type: "s"},
				{Name: "reason", Type: "s"},
			},
		},
		{
			Name: SignalDeviceModeChanged,
			Args: []introspect.Arg{
				{Name: "mode", Type: "s"},
			},
		},
		{
			Name: SignalError,
			Args: []introspect.Arg{
				{Name: "code", Type: "u"},
				{Name: "message", Type: "s"},
			},
		},
	}
}

func serviceProperties() []introspect.Property {
	names := []string{PropDeviceMode, PropDetachState, PropLatchStatus, PropBaseState}
	props := make([]introspect.Property, 0, len(names))
	for _, name := range names {
		props = append(props, introspect.Property{Name: name, Type: "s", Access: "read"})
	}
	return props
}
