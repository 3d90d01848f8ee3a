// Package operation describes the maintenance operations the daemon can run
// through the external update client.
//
// Each Kind maps 1:1 to the bus method that requests it and to the client
// subcommand that performs it. The option whitelists here decide which request
// options reach the client's command line; everything else is dropped.
package operation

// Kind identifies a maintenance operation. The zero value None means no
// operation is running.
type Kind int

const (
	None Kind = iota
	CheckUpdate
	Update
	Verify
	BundleAdd
	BundleRemove
)

// Positional describes the positional arguments an operation takes after its
// options.
type Positional int

const (
	// NoPositional operations take options only.
	NoPositional Positional = iota
	// SinglePositional operations take exactly one bundle name.
	SinglePositional
	// ListPositional operations take any number of bundle names.
	ListPositional
)

// Spec is the fixed description of one operation.
type Spec struct {
	// Method is the bus method name callers use to request the operation.
	Method string
	// Subcommand is the external client's subcommand token.
	Subcommand string
	// StringOptions contribute "--name value" when present in a request.
	StringOptions []string
	// BoolOptions contribute "--name" when present and true.
	BoolOptions []string
	// Positional is the shape of the trailing arguments.
	Positional Positional
}

// Accepted string options shared by the update-style operations.
var updateStringOptions = []string{"url", "contenturl", "versionurl", "log"}

var specs = map[Kind]Spec{
	CheckUpdate: {
		Method:        "checkUpdate",
		Subcommand:    "check-update",
		StringOptions: []string{"url"},
		Positional:    SinglePositional,
	},
	Update: {
		Method:        "update",
		Subcommand:    "update",
		StringOptions: updateStringOptions,
	},
	Verify: {
		Method:        "verify",
		Subcommand:    "verify",
		StringOptions: updateStringOptions,
		BoolOptions:   []string{"fix"},
	},
	BundleAdd: {
		Method:        "bundleAdd",
		Subcommand:    "bundle-add",
		StringOptions: []string{"url"},
		BoolOptions:   []string{"list"},
		Positional:    ListPositional,
	},
	BundleRemove: {
		Method:        "bundleRemove",
		Subcommand:    "bundle-remove",
		StringOptions: []string{"url"},
		Positional:    SinglePositional,
	},
}

// Kinds lists every runnable operation in declaration order.
func Kinds() []Kind {
	return []Kind{CheckUpdate, Update, Verify, BundleAdd, BundleRemove}
}

// Lookup returns the spec for k. ok is false for None and unknown values.
func Lookup(k Kind) (Spec, bool) {
	s, ok := specs[k]
	return s, ok
}

// Method returns the bus method name for k, or "" for None.
func (k Kind) Method() string {
	return specs[k].Method
}

// Subcommand returns the external client subcommand for k, or "" for None.
func (k Kind) Subcommand() string {
	return specs[k].Subcommand
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k == None {
		return "none"
	}
	if s, ok := specs[k]; ok {
		return s.Method
	}
	return "unknown"
}

// KindFromMethod resolves a bus method name to its Kind.
func KindFromMethod(method string) (Kind, bool) {
	for k, s := range specs {
		if s.Method == method {
			return k, true
		}
	}
	return None, false
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
