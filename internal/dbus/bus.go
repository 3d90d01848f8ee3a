// Package dbus publishes the daemon on the system (or session) D-Bus.
//
// The Bus type implements daemon.Transport: it exports the method object,
// emits the output and completion signals, and carries out the name release
// protocol used when the daemon goes idle. D-Bus has no way to refuse new
// calls and disconnect in one step, so TryClose always reports
// daemon.ErrCloseUnsupported and the daemon drains instead: it watches for
// NameOwnerChanged announcing that it lost the service name, then releases
// the name, and exits once the announcement arrives. Calls the bus routed to
// us before that are still delivered and served: Pending counts calls still
// being handled, and the daemon does not exit while it is non-zero.
//
// Usage:
//
//	b, err := dbus.Connect(dbus.Config{Bus: "system", ...}, logger)
//	err = b.Export(d)
//	err = b.RequestName()
//	defer b.Close()
package dbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/o1/swupdd/internal/daemon"
)

// Signal member names emitted on the service interface.
const (
	SignalOutput    = "childOutputReceived"
	SignalCompleted = "requestCompleted"
)

const (
	busName      = "org.freedesktop.DBus"
	busPath      = "/org/freedesktop/DBus"
	introspectIF = "org.freedesktop.DBus.Introspectable"
)

// Config names the bus and the identity the daemon is published under.
type Config struct {
	// Bus is "system" or "session".
	Bus         string
	ServiceName string
	ObjectPath  string
	Interface   string
}

var _ daemon.Transport = (*Bus)(nil)

// Bus is a D-Bus connection carrying the daemon's object.
type Bus struct {
	cfg    Config
	conn   *dbus.Conn
	logger *slog.Logger
	obj    *object

	closeOnce sync.Once
}

// Connect opens the configured bus.
func Connect(cfg Config, logger *slog.Logger) (*Bus, error) {
	if !dbus.ObjectPath(cfg.ObjectPath).IsValid() {
		return nil, fmt.Errorf("invalid object path %q", cfg.ObjectPath)
	}

	var (
		conn *dbus.Conn
		err  error
	)
	switch cfg.Bus {
	case "system", "":
		conn, err = dbus.ConnectSystemBus()
	case "session":
		conn, err = dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("unknown bus %q", cfg.Bus)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s bus: %w", cfg.Bus, err)
	}

	return &Bus{
		cfg:    cfg,
		conn:   conn,
		logger: logger.With(slog.String("component", "dbus")),
	}, nil
}

// Export publishes the method object and its introspection data.
func (b *Bus) Export(d Dispatcher) error {
	path := dbus.ObjectPath(b.cfg.ObjectPath)

	b.obj = &object{d: d}
	if err := b.conn.ExportWithMap(b.obj, methodNames, path, b.cfg.Interface); err != nil {
		return fmt.Errorf("failed to export object: %w", err)
	}

	node := introspectNode(b.cfg.ObjectPath, b.cfg.Interface)
	if err := b.conn.Export(introspect.NewIntrospectable(node), path, introspectIF); err != nil {
		return fmt.Errorf("failed to export introspection data: %w", err)
	}
	return nil
}

// RequestName acquires the well-known service name.
func (b *Bus) RequestName() error {
	reply, err := b.conn.RequestName(b.cfg.ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to acquire service name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("service name %s already owned (reply %d)", b.cfg.ServiceName, reply)
	}

	b.logger.Info("acquired service name",
		slog.String("name", b.cfg.ServiceName),
		slog.String("unique_name", b.uniqueName()),
	)
	return nil
}

// OutputProduced emits childOutputReceived(s).
func (b *Bus) OutputProduced(chunk string) error {
	return b.emit(SignalOutput, busString(chunk))
}

// RequestCompleted emits requestCompleted(si).
func (b *Bus) RequestCompleted(method string, status int) error {
	return b.emit(SignalCompleted, method, int32(status))
}

func (b *Bus) emit(member string, values ...interface{}) error {
	return b.conn.Emit(dbus.ObjectPath(b.cfg.ObjectPath), b.cfg.Interface+"."+member, values...)
}

// TryClose always fails: a D-Bus connection cannot stop accepting calls and
// close in one step.
func (b *Bus) TryClose() error {
	return daemon.ErrCloseUnsupported
}

// WatchRelease subscribes to NameOwnerChanged for our service name going from
// this connection to nobody.
func (b *Bus) WatchRelease() (<-chan struct{}, error) {
	unique := b.uniqueName()

	err := b.conn.AddMatchSignal(
		dbus.WithMatchSender(busName),
		dbus.WithMatchInterface(busName),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchObjectPath(busPath),
		dbus.WithMatchArg(0, b.cfg.ServiceName),
		dbus.WithMatchArg(1, unique),
		dbus.WithMatchArg(2, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add signal match: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	b.conn.Signal(signals)

	released := make(chan struct{})
	go func() {
		defer b.conn.RemoveSignal(signals)
		for {
			select {
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if isRelease(sig, b.cfg.ServiceName, unique) {
					close(released)
					return
				}
			case <-b.conn.Context().Done():
				return
			}
		}
	}()

	return released, nil
}

// ReleaseName gives up the service name.
func (b *Bus) ReleaseName() error {
	reply, err := b.conn.ReleaseName(b.cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to release service name: %w", err)
	}
	if reply != dbus.ReleaseNameReplyReleased {
		return fmt.Errorf("service name %s not released (reply %d)", b.cfg.ServiceName, reply)
	}
	b.logger.Info("released service name", slog.String("name", b.cfg.ServiceName))
	return nil
}

// Lost is closed when the connection goes away.
func (b *Bus) Lost() <-chan struct{} {
	return b.conn.Context().Done()
}

// Pending is the number of method calls received and not yet answered.
func (b *Bus) Pending() int {
	if b.obj == nil {
		return 0
	}
	return int(b.obj.inFlight.Load())
}

// Close closes the connection.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.conn.Close()
	})
	return err
}

// Shutdown implements shutdown.Shutdowner.
func (b *Bus) Shutdown(ctx context.Context) error {
	return b.Close()
}

func (b *Bus) uniqueName() string {
	names := b.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// isRelease reports whether sig announces that owner lost name with no new
// owner taking it.
func isRelease(sig *dbus.Signal, name, owner string) bool {
	if sig == nil || sig.Name != busName+".NameOwnerChanged" || len(sig.Body) != 3 {
		return false
	}
	n, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)
	return n == name && oldOwner == owner && newOwner == ""
}

// busString makes s a legal D-Bus string: valid UTF-8 without NUL bytes.
func busString(s string) string {
	s = strings.ToValidUTF8(s, "�")
	return strings.ReplaceAll(s, "\x00", "")
}
