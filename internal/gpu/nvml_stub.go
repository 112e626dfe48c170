//go:build !(linux && cgo)

package gpu

import (
	"fmt"
	"log/slog"
)

// NVMLBackend is unavailable on platforms without NVML (non-Linux or
// CGO disabled).
type NVMLBackend struct{}

// NewNVMLBackend always reports the backend as unavailable here, which
// makes the detector fall back to the filesystem backend.
func NewNVMLBackend(logger *slog.Logger) (*NVMLBackend, error) {
	_ = logger
	return nil, fmt.Errorf("%w: built without NVML support", ErrBackendUnavailable)
}

// Vendor reports the vendor family served by this backend.
func (b *NVMLBackend) Vendor() Vendor { return VendorNVIDIA }

// Devices returns no devices on platforms without NVML.
func (b *NVMLBackend) Devices() []Device { return nil }

// Poll returns an empty reading on platforms without NVML.
func (b *NVMLBackend) Poll(dev Device) RawReading { return RawReading{} }

// Processes reports no processes on platforms without NVML.
func (b *NVMLBackend) Processes(dev Device) ([]ProcessInfo, error) { return nil, nil }

// Close is a no-op on platforms without NVML.
func (b *NVMLBackend) Close() error { return nil }
