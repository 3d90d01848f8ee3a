package dbus

import "github.com/godbus/dbus/v5/introspect"

func inArg(name, typ string) introspect.Arg {
	return introspect.Arg{Name: name, Type: typ, Direction: "in"}
}

var acceptedArg = introspect.Arg{Name: "accepted", Type: "b", Direction: "out"}

// introspectNode describes the exported object under its bus method names.
func introspectNode(path, iface string) *introspect.Node {
	return &introspect.Node{
		Name: path,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: iface,
				Methods: []introspect.Method{
					{Name: "checkUpdate", Args: []introspect.Arg{inArg("options", "a{sv}"), inArg("bundle", "s"), acceptedArg}},
					{Name: "update", Args: []introspect.Arg{inArg("options", "a{sv}"), acceptedArg}},
					{Name: "verify", Args: []introspect.Arg{inArg("options", "a{sv}"), acceptedArg}},
					{Name: "bundleAdd", Args: []introspect.Arg{inArg("options", "a{sv}"), inArg("bundles", "as"), acceptedArg}},
					{Name: "bundleRemove", Args: []introspect.Arg{inArg("options", "a{sv}"), inArg("bundle", "s"), acceptedArg}},
					{Name: "cancel", Args: []introspect.Arg{inArg("force", "b"), acceptedArg}},
				},
				Signals: []introspect.Signal{
					{Name: SignalCompleted, Args: []introspect.Arg{{Name: "method", Type: "s"}, {Name: "status", Type: "i"}}},
					{Name: SignalOutput, Args: []introspect.Arg{{Name: "output", Type: "s"}}},
				},
			},
		},
	}
}
