//go:build linux

package isolation

import "log/slog"

// NewIsolator returns a CgroupIsolator when cgroups v2 is usable and a
// TimeoutIsolator otherwise.
func NewIsolator() Isolator {
	iso, err := NewCgroupIsolator()
	if err != nil {
		slog.Warn("isolation: cgroups v2 unavailable, enforcing timeouts only", slog.String("error", err.Error()))
		return NewTimeoutIsolator()
	}
	return iso
}
