package gpu

import (
	"errors"
	"fmt"
	"log/slog"
)

// VendorOverride forces detection to a single backend. The zero value
// ("auto") probes NVML first and falls back to the filesystem backend.
type VendorOverride string

const (
	OverrideAuto   VendorOverride = "auto"
	OverrideNVIDIA VendorOverride = "nvidia"
	OverrideAMD    VendorOverride = "amd"
	OverrideNone   VendorOverride = "none"
)

// ParseVendorOverride validates a configured override value.
func ParseVendorOverride(value string) (VendorOverride, error) {
	switch VendorOverride(value) {
	case "", OverrideAuto:
		return OverrideAuto, nil
	case OverrideNVIDIA:
		return OverrideNVIDIA, nil
	case OverrideAMD:
		return OverrideAMD, nil
	case OverrideNone:
		return OverrideNone, nil
	default:
		return "", fmt.Errorf("unsupported vendor override %q", value)
	}
}

// Detection holds the usable backends and their devices, in preference
// order. An empty device set is a valid outcome: the system keeps
// running in a no-GPU state.
type Detection struct {
	Backends []Backend
	Devices  []Device
}

// Detect probes the available acquisition mechanisms once, at startup.
// NVML is preferred when its library initializes; the amdgpu filesystem
// backend is probed as well so mixed-vendor machines expose every card.
// Backend initialization failures are absorbed: they are logged and the
// next mechanism is tried.
func Detect(override VendorOverride, sysfsRoot string, logger *slog.Logger) Detection {
	if logger == nil {
		logger = slog.Default()
	}

	var det Detection
	if override == OverrideNone {
		logger.Info("gpu detection disabled by override")
		return det
	}

	if override == OverrideAuto || override == OverrideNVIDIA {
		backend, err := NewNVMLBackend(logger)
		switch {
		case err == nil:
			det.add(backend)
		case errors.Is(err, ErrBackendUnavailable):
			logger.Info("nvml backend unavailable", "err", err)
		default:
			logger.Warn("nvml backend init failed", "err", err)
		}
	}

	if override == OverrideAuto || override == OverrideAMD {
		backend, err := NewAMDGPUBackend(sysfsRoot, logger)
		switch {
		case err == nil:
			det.add(backend)
		case errors.Is(err, ErrBackendUnavailable):
			logger.Info("amdgpu backend unavailable", "err", err)
		default:
			logger.Warn("amdgpu backend init failed", "err", err)
		}
	}

	if len(det.Devices) == 0 {
		logger.Warn("no supported GPU detected")
	}
	return det
}

func (d *Detection) add(backend Backend) {
	devices := backend.Devices()
	if len(devices) == 0 {
		_ = backend.Close()
		return
	}
	d.Backends = append(d.Backends, backend)
	d.Devices = append(d.Devices, devices...)
}

// BackendFor returns the backend serving the given vendor family.
func (d *Detection) BackendFor(vendor Vendor) (Backend, bool) {
	for _, backend := range d.Backends {
		if backend.Vendor() == vendor {
			return backend, true
		}
	}
	return nil, false
}

// Close releases every detected backend.
func (d *Detection) Close() error {
	var errs []error
	for _, backend := range d.Backends {
		if err := backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
