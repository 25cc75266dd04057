package expressions

import (
	"strings"

	"github.com/mohae/deepcopy"
)

// Reserved argument names available to every runtime expression.
const (
	ArgContext  = "$context"
	ArgInput    = "$input"
	ArgOutput   = "$output"
	ArgWorkflow = "$workflow"
	ArgTask     = "$task"
	ArgRuntime  = "$runtime"
	ArgSecret   = "$secret"
)

// Arguments holds the named values bound into expression evaluation.
// Values are treated as immutable: With returns a new set and leaves the
// receiver untouched, so a parent's arguments can be shared with children
// (iterations, branches, catch blocks) without leaking their bindings back.
type Arguments map[string]any

// NewArguments creates an empty argument set.
func NewArguments() Arguments {
	return Arguments{}
}

// With returns a copy of a with name bound to value. Names are normalized to
// carry a leading '$'.
func (a Arguments) With(name string, value any) Arguments {
	out := make(Arguments, len(a)+1)
	for k, v := range a {
		out[k] = v
	}
	out[argName(name)] = value
	return out
}

// Merge returns a copy of a overlaid with other.
func (a Arguments) Merge(other Arguments) Arguments {
	out := make(Arguments, len(a)+len(other))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range other {
		out[argName(k)] = v
	}
	return out
}

// Get returns the named argument.
func (a Arguments) Get(name string) (any, bool) {
	v, ok := a[argName(name)]
	return v, ok
}

// Snapshot deep-copies every value so later mutation of the sources (for
// example the workflow context) cannot change what an evaluation observes.
func (a Arguments) Snapshot() Arguments {
	out := make(Arguments, len(a))
	for k, v := range a {
		out[k] = deepcopy.Copy(v)
	}
	return out
}

// Map exposes the arguments as a plain map for engines.
func (a Arguments) Map() map[string]any {
	return map[string]any(a)
}

func argName(name string) string {
	if strings.HasPrefix(name, "$") {
		return name
	}
	return "$" + name
}
