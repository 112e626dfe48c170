//go:build linux && cgo

package gpu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NVMLBackend acquires telemetry through the NVIDIA management library.
// Each metric is queried independently per poll: a query that fails
// (unsupported on this GPU, transient driver error) yields a nil field
// for that tick only and is retried implicitly on the next tick.
type NVMLBackend struct {
	logger    *slog.Logger
	devices   []Device
	handles   map[string]nvml.Device
	closeOnce sync.Once
	closeErr  error
}

// NewNVMLBackend initializes NVML and enumerates devices. A missing or
// unloadable library surfaces as ErrBackendUnavailable so the detector
// can fall back instead of aborting.
func NewNVMLBackend(logger *slog.Logger) (*NVMLBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("backend", "nvml")

	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("%w: nvml init: %s", ErrBackendUnavailable, nvml.ErrorString(ret))
	}

	backend := &NVMLBackend{
		logger:  logger,
		handles: make(map[string]nvml.Device),
	}

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		_ = backend.Close()
		return nil, fmt.Errorf("%w: nvml device count: %s", ErrBackendUnavailable, nvml.ErrorString(ret))
	}

	driverVersion := ""
	if version, ret := nvml.SystemGetDriverVersion(); ret == nvml.SUCCESS {
		driverVersion = version
	}

	for i := 0; i < count; i++ {
		handle, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			logger.Warn("device handle unavailable", "index", i, "err", nvml.ErrorString(ret))
			continue
		}

		dev := Device{
			ID:            fmt.Sprintf("gpu%d", i),
			Vendor:        VendorNVIDIA,
			Index:         i,
			DriverVersion: driverVersion,
		}
		if name, ret := handle.GetName(); ret == nvml.SUCCESS {
			dev.Name = name
		}
		if uuid, ret := handle.GetUUID(); ret == nvml.SUCCESS {
			dev.UUID = uuid
		}
		if pciInfo, ret := handle.GetPciInfo(); ret == nvml.SUCCESS {
			dev.PCIAddr = pciBusID(pciInfo)
			dev.PCIID = fmt.Sprintf("%04x:%04x", pciInfo.PciDeviceId&0xffff, pciInfo.PciDeviceId>>16)
		}
		if dev.Name == "" {
			dev.Name = "NVIDIA GPU"
		}

		// Handles are keyed by device id, not position: a failed
		// intermediate index leaves a gap in the NVML numbering and a
		// positional slice would shift every later handle.
		backend.devices = append(backend.devices, dev)
		backend.handles[dev.ID] = handle
	}

	return backend, nil
}

// Vendor reports the vendor family served by this backend.
func (b *NVMLBackend) Vendor() Vendor { return VendorNVIDIA }

// Devices returns the GPUs enumerated at construction time.
func (b *NVMLBackend) Devices() []Device {
	return append([]Device(nil), b.devices...)
}

// Poll queries every metric for one device. No retries: a failed query
// leaves its field nil and the next tick tries again.
func (b *NVMLBackend) Poll(dev Device) RawReading {
	raw := RawReading{}
	handle, ok := b.handles[dev.ID]
	if !ok {
		return raw
	}

	if util, ret := handle.GetUtilizationRates(); ret == nvml.SUCCESS {
		raw.UtilizationPct = floatPtr(float64(util.Gpu))
		raw.MemBusyPct = floatPtr(float64(util.Memory))
	}
	if mem, ret := handle.GetMemoryInfo(); ret == nvml.SUCCESS {
		used, total := mem.Used, mem.Total
		raw.MemUsedBytes = &used
		raw.MemTotalBytes = &total
	}
	if temp, ret := handle.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		raw.TemperatureC = floatPtr(float64(temp))
	}
	if power, ret := handle.GetPowerUsage(); ret == nvml.SUCCESS {
		raw.PowerW = floatPtr(float64(power) / 1000) // milliwatts
	}
	if fan, ret := handle.GetFanSpeed(); ret == nvml.SUCCESS {
		raw.FanPct = floatPtr(float64(fan))
	}
	if clock, ret := handle.GetClockInfo(nvml.CLOCK_GRAPHICS); ret == nvml.SUCCESS {
		raw.GPUClockMHz = floatPtr(float64(clock))
	}
	if clock, ret := handle.GetClockInfo(nvml.CLOCK_MEM); ret == nvml.SUCCESS {
		raw.MemClockMHz = floatPtr(float64(clock))
	}
	if tx, ret := handle.GetPcieThroughput(nvml.PCIE_UTIL_TX_BYTES); ret == nvml.SUCCESS {
		raw.PCIeTxKBps = floatPtr(float64(tx))
	}
	if rx, ret := handle.GetPcieThroughput(nvml.PCIE_UTIL_RX_BYTES); ret == nvml.SUCCESS {
		raw.PCIeRxKBps = floatPtr(float64(rx))
	}

	return raw
}

// Processes lists compute and graphics processes currently on the device.
// Names are resolved by the caller from the proc filesystem.
func (b *NVMLBackend) Processes(dev Device) ([]ProcessInfo, error) {
	handle, ok := b.handles[dev.ID]
	if !ok {
		return nil, fmt.Errorf("unknown device %q", dev.ID)
	}

	seen := make(map[uint32]struct{})
	var procs []ProcessInfo

	appendProcs := func(list []nvml.ProcessInfo, ret nvml.Return) {
		if ret != nvml.SUCCESS {
			return
		}
		for _, p := range list {
			if _, ok := seen[p.Pid]; ok {
				continue
			}
			seen[p.Pid] = struct{}{}
			procs = append(procs, ProcessInfo{PID: p.Pid, MemoryBytes: p.UsedGpuMemory})
		}
	}

	compute, ret := handle.GetComputeRunningProcesses()
	appendProcs(compute, ret)
	graphics, ret := handle.GetGraphicsRunningProcesses()
	appendProcs(graphics, ret)

	return procs, nil
}

// Close shuts the management library down. Safe for repeated use.
func (b *NVMLBackend) Close() error {
	b.closeOnce.Do(func() {
		if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
			b.closeErr = fmt.Errorf("nvml shutdown: %s", nvml.ErrorString(ret))
		}
	})
	return b.closeErr
}

func pciBusID(info nvml.PciInfo) string {
	buf := make([]byte, 0, len(info.BusId))
	for _, c := range info.BusId {
		if c == 0 {
			break
		}
		buf = append(buf, byte(c))
	}
	return string(buf)
}

func floatPtr(v float64) *float64 { return &v }
