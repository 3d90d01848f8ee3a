// object_test.go tests argument decoding and reply mapping of the exported
// object without a running bus.
package dbus

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/o1/swupdd/internal/daemon"
	"github.com/o1/swupdd/internal/operation"
)

type recordingDispatcher struct {
	reqs   []operation.Request
	forces []bool
	err    error
}

func (r *recordingDispatcher) Submit(ctx context.Context, req operation.Request) error {
	r.reqs = append(r.reqs, req)
	return r.err
}

func (r *recordingDispatcher) Cancel(ctx context.Context, force bool) error {
	r.forces = append(r.forces, force)
	return r.err
}

func TestObject_DecodesRequests(t *testing.T) {
	rec := &recordingDispatcher{}
	o := &object{d: rec}

	opts := map[string]dbus.Variant{
		"url":   dbus.MakeVariant("http://mirror"),
		"list":  dbus.MakeVariant(true),
		"bogus": dbus.MakeVariant(uint32(1)),
	}

	ok, dbusErr := o.BundleAdd(opts, []string{"foo", "bar"})
	if !ok || dbusErr != nil {
		t.Fatalf("BundleAdd = %v, %v", ok, dbusErr)
	}

	req := rec.reqs[0]
	if req.Kind != operation.BundleAdd {
		t.Errorf("kind = %v", req.Kind)
	}
	if !reflect.DeepEqual(req.Args, []string{"foo", "bar"}) {
		t.Errorf("args = %q", req.Args)
	}
	wantOpts := []operation.Option{
		{Name: "bogus", Value: uint32(1)},
		{Name: "list", Value: true},
		{Name: "url", Value: "http://mirror"},
	}
	if !reflect.DeepEqual(req.Options, wantOpts) {
		t.Errorf("options = %#v", req.Options)
	}

	o.CheckUpdate(nil, "os-core")
	o.Update(map[string]dbus.Variant{})
	o.Verify(map[string]dbus.Variant{"fix": dbus.MakeVariant(true)})
	o.BundleRemove(nil, "editors")

	kinds := []operation.Kind{operation.BundleAdd, operation.CheckUpdate, operation.Update, operation.Verify, operation.BundleRemove}
	for i, k := range kinds {
		if rec.reqs[i].Kind != k {
			t.Errorf("request %d kind = %v, want %v", i, rec.reqs[i].Kind, k)
		}
	}
	if !reflect.DeepEqual(rec.reqs[1].Args, []string{"os-core"}) {
		t.Errorf("checkUpdate args = %q", rec.reqs[1].Args)
	}
	if len(rec.reqs[2].Args) != 0 {
		t.Errorf("update args = %q", rec.reqs[2].Args)
	}

	if ok, _ := o.Cancel(true); !ok || !rec.forces[0] {
		t.Errorf("Cancel(true) not forwarded: %v %v", ok, rec.forces)
	}
}

// blockingDispatcher holds every call until release is closed.
type blockingDispatcher struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDispatcher) Submit(ctx context.Context, req operation.Request) error {
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func (b *blockingDispatcher) Cancel(ctx context.Context, force bool) error {
	b.entered <- struct{}{}
	<-b.release
	return daemon.ErrNothingToCancel
}

func TestObject_CountsCallsInFlight(t *testing.T) {
	disp := &blockingDispatcher{entered: make(chan struct{}, 2), release: make(chan struct{})}
	o := &object{d: disp}
	b := &Bus{obj: o}

	if b.Pending() != 0 {
		t.Fatalf("Pending = %d before any call", b.Pending())
	}

	replies := make(chan bool, 2)
	go func() {
		ok, _ := o.Update(nil)
		replies <- ok
	}()
	go func() {
		ok, _ := o.Cancel(false)
		replies <- ok
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-disp.entered:
		case <-time.After(5 * time.Second):
			t.Fatal("call never reached the dispatcher")
		}
	}
	if b.Pending() != 2 {
		t.Errorf("Pending = %d with two calls being handled, want 2", b.Pending())
	}

	close(disp.release)
	for i := 0; i < 2; i++ {
		select {
		case <-replies:
		case <-time.After(5 * time.Second):
			t.Fatal("call never answered")
		}
	}
	if b.Pending() != 0 {
		t.Errorf("Pending = %d after replies, want 0", b.Pending())
	}
}

func TestBus_PendingBeforeExport(t *testing.T) {
	if n := (&Bus{}).Pending(); n != 0 {
		t.Errorf("Pending = %d, want 0", n)
	}
}

func TestReply(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantOK    bool
		wantError string
	}{
		{"accepted", nil, true, ""},
		{"busy", daemon.ErrBusy, false, ""},
		{"nothing to cancel", daemon.ErrNothingToCancel, false, ""},
		{"spawn failure", errors.Join(daemon.ErrSpawnFailed, errors.New("enoent")), false, ""},
		{"stopped", daemon.ErrStopped, false, ""},
		{"malformed", operation.ErrMalformedRequest, false, errInvalidArgs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, dbusErr := reply(tt.err)
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.wantError == "" {
				if dbusErr != nil {
					t.Errorf("unexpected D-Bus error %v", dbusErr)
				}
				return
			}
			if dbusErr == nil || dbusErr.Name != tt.wantError {
				t.Errorf("D-Bus error = %v, want %s", dbusErr, tt.wantError)
			}
		})
	}
}

func TestIsRelease(t *testing.T) {
	const name = "org.O1.swupdd.Client"
	const owner = ":1.42"

	sig := func(body ...interface{}) *dbus.Signal {
		return &dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: body}
	}

	tests := []struct {
		name string
		sig  *dbus.Signal
		want bool
	}{
		{"released", sig(name, owner, ""), true},
		{"taken over", sig(name, owner, ":1.50"), false},
		{"acquired", sig(name, "", owner), false},
		{"other name", sig("org.example.Other", owner, ""), false},
		{"other owner", sig(name, ":1.7", ""), false},
		{"short body", sig(name, owner), false},
		{"nil", nil, false},
		{"other member", &dbus.Signal{Name: "org.freedesktop.DBus.NameLost", Body: []interface{}{name}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRelease(tt.sig, name, owner); got != tt.want {
				t.Errorf("isRelease = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBusString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"50%\r", "50%\r"},
		{"a\x00b", "ab"},
		{"bad\xffbyte", "bad�byte"},
	}
	for _, tt := range tests {
		if got := busString(tt.in); got != tt.want {
			t.Errorf("busString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIntrospectNode(t *testing.T) {
	node := introspectNode("/org/O1/swupdd/Client", "org.O1.swupdd.Client")
	if len(node.Interfaces) != 2 {
		t.Fatalf("expected 2 interfaces, got %d", len(node.Interfaces))
	}

	iface := node.Interfaces[1]
	got := map[string]bool{}
	for _, m := range iface.Methods {
		got[m.Name] = true
	}
	for _, bus := range methodNames {
		if !got[bus] {
			t.Errorf("method %s missing from introspection data", bus)
		}
	}
	if len(iface.Signals) != 2 {
		t.Errorf("expected 2 signals, got %d", len(iface.Signals))
	}
}
