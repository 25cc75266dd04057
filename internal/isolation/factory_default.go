//go:build !linux

package isolation

// NewIsolator returns a TimeoutIsolator; kernel isolation is Linux only.
func NewIsolator() Isolator {
	return NewTimeoutIsolator()
}
