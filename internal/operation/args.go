// args.go turns a decoded request into the external client's argument vector.
package operation

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedRequest is returned when a request does not match the shape its
// operation declares. The caller reports it as a decode failure and no child
// is started.
var ErrMalformedRequest = errors.New("malformed request")

// Option is one named request option. Value holds a string or a bool.
type Option struct {
	Name  string
	Value any
}

// Request is a decoded bus call for one operation.
type Request struct {
	Kind    Kind
	Options []Option
	// Args are the positional bundle names in caller order.
	Args []string
}

// SortedOptions converts an unordered option map into a slice ordered by name,
// so a request built from a map always yields the same vector.
func SortedOptions(m map[string]any) []Option {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]Option, 0, len(names))
	for _, name := range names {
		opts = append(opts, Option{Name: name, Value: m[name]})
	}
	return opts
}

// BuildArgs returns the argument vector for req: program, subcommand, then the
// whitelisted options in request order, then the positional arguments.
//
// Options outside the operation's whitelist are skipped regardless of their
// value type. A whitelisted option with the wrong value type, or positional
// arguments that do not fit the operation, fail with ErrMalformedRequest.
func BuildArgs(program string, req Request) ([]string, error) {
	spec, ok := Lookup(req.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown operation %d", ErrMalformedRequest, int(req.Kind))
	}

	argv := make([]string, 0, 2+2*len(req.Options)+len(req.Args))
	argv = append(argv, program, spec.Subcommand)

	for _, opt := range req.Options {
		switch {
		case contains(spec.StringOptions, opt.Name):
			s, ok := opt.Value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: option %q must be a string, got %T", ErrMalformedRequest, opt.Name, opt.Value)
			}
			argv = append(argv, "--"+opt.Name, s)
		case contains(spec.BoolOptions, opt.Name):
			b, ok := opt.Value.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: option %q must be a boolean, got %T", ErrMalformedRequest, opt.Name, opt.Value)
			}
			if b {
				argv = append(argv, "--"+opt.Name)
			}
		}
	}

	switch spec.Positional {
	case NoPositional:
		if len(req.Args) != 0 {
			return nil, fmt.Errorf("%w: %s takes no positional arguments", ErrMalformedRequest, spec.Method)
		}
	case SinglePositional:
		if len(req.Args) != 1 {
			return nil, fmt.Errorf("%w: %s takes exactly one bundle, got %d", ErrMalformedRequest, spec.Method, len(req.Args))
		}
	}
	argv = append(argv, req.Args...)

	return argv, nil
}
