package gpu

import "errors"

// ErrBackendUnavailable is returned by backend constructors when the
// underlying acquisition mechanism (management library, kernel driver
// nodes) is missing or fails to initialize. It is never fatal: the
// detector falls back to the next backend or to an empty device set.
var ErrBackendUnavailable = errors.New("gpu backend unavailable")

// Backend acquires telemetry for the devices of one vendor family.
// Implementations own the devices they discovered and hold any handles
// or file descriptors needed to poll them until Close.
type Backend interface {
	// Vendor reports which vendor family this backend serves.
	Vendor() Vendor

	// Devices returns the devices discovered at construction time.
	// The returned set is immutable.
	Devices() []Device

	// Poll reads all metrics for one device. Poll never fails: a metric
	// that cannot be read yields a nil field and the rest of the reading
	// is still collected. Poll may block on library round-trips or
	// filesystem I/O and must not be called from latency-sensitive paths.
	Poll(dev Device) RawReading

	// Close releases backend resources (library handles, descriptors).
	Close() error
}

// ProcessLister is implemented by backends that can report per-process
// GPU usage. The filesystem backend does not expose this.
type ProcessLister interface {
	// Processes returns processes currently using the device. Names are
	// left empty; the caller resolves them from the proc filesystem.
	Processes(dev Device) ([]ProcessInfo, error)
}
