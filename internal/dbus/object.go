// object.go is the exported D-Bus object. Each method decodes its arguments
// into an operation request and hands it to the daemon; the reply is the
// daemon's accept/reject decision.
package dbus

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"github.com/o1/swupdd/internal/operation"
)

// Dispatcher is the daemon side of the exported object.
type Dispatcher interface {
	Submit(ctx context.Context, req operation.Request) error
	Cancel(ctx context.Context, force bool) error
}

// errInvalidArgs is the standard D-Bus error name for argument decode failures.
const errInvalidArgs = "org.freedesktop.DBus.Error.InvalidArgs"

// methodNames maps the Go method names below to their bus names.
var methodNames = map[string]string{
	"CheckUpdate":  "checkUpdate",
	"Update":       "update",
	"Verify":       "verify",
	"BundleAdd":    "bundleAdd",
	"BundleRemove": "bundleRemove",
	"Cancel":       "cancel",
}

// object serves method calls. inFlight counts calls between arrival and reply;
// godbus runs each call on its own goroutine.
type object struct {
	d        Dispatcher
	inFlight atomic.Int64
}

func (o *object) CheckUpdate(options map[string]dbus.Variant, bundle string) (bool, *dbus.Error) {
	return o.submit(operation.CheckUpdate, options, bundle)
}

func (o *object) Update(options map[string]dbus.Variant) (bool, *dbus.Error) {
	return o.submit(operation.Update, options)
}

func (o *object) Verify(options map[string]dbus.Variant) (bool, *dbus.Error) {
	return o.submit(operation.Verify, options)
}

func (o *object) BundleAdd(options map[string]dbus.Variant, bundles []string) (bool, *dbus.Error) {
	return o.submit(operation.BundleAdd, options, bundles...)
}

func (o *object) BundleRemove(options map[string]dbus.Variant, bundle string) (bool, *dbus.Error) {
	return o.submit(operation.BundleRemove, options, bundle)
}

func (o *object) Cancel(force bool) (bool, *dbus.Error) {
	o.inFlight.Add(1)
	defer o.inFlight.Add(-1)
	return reply(o.d.Cancel(context.Background(), force))
}

func (o *object) submit(kind operation.Kind, options map[string]dbus.Variant, args ...string) (bool, *dbus.Error) {
	o.inFlight.Add(1)
	defer o.inFlight.Add(-1)

	req := operation.Request{
		Kind:    kind,
		Options: decodeOptions(options),
		Args:    args,
	}
	return reply(o.d.Submit(context.Background(), req))
}

// decodeOptions unwraps the variants of an a{sv} argument. Names are sorted so
// the resulting argument vector does not depend on map iteration order.
func decodeOptions(options map[string]dbus.Variant) []operation.Option {
	values := make(map[string]any, len(options))
	for name, v := range options {
		values[name] = v.Value()
	}
	return operation.SortedOptions(values)
}

// reply maps a daemon result to the method's boolean acknowledgement. Only a
// malformed request is reported as a D-Bus error.
func reply(err error) (bool, *dbus.Error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, operation.ErrMalformedRequest) {
		return false, dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
	}
	return false, nil
}
