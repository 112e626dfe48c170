// Package gpu provides vendor-neutral GPU device discovery and telemetry
// acquisition. Two backends exist: one speaking NVML through the vendor
// management library, one reading amdgpu sysfs/hwmon nodes. Both produce
// the same RawReading shape, which Normalize collapses into a fully
// populated Snapshot.
package gpu

import "time"

// Vendor identifies the acquisition mechanism a device is managed by.
type Vendor string

const (
	// VendorNVIDIA devices are queried through the NVML management library.
	VendorNVIDIA Vendor = "nvidia"
	// VendorAMD devices are read from amdgpu sysfs/hwmon nodes.
	VendorAMD Vendor = "amd"
)

// Device describes a single GPU discovered at startup. The device set is
// immutable for the process lifetime; hot-plug is not handled.
type Device struct {
	ID            string `json:"id"`
	Vendor        Vendor `json:"vendor"`
	Index         int    `json:"index"`
	Name          string `json:"name"`
	UUID          string `json:"uuid,omitempty"`
	PCIAddr       string `json:"pci_addr,omitempty"`
	PCIID         string `json:"pci_id,omitempty"`
	DriverVersion string `json:"driver_version,omitempty"`
}

// RawReading is one backend poll result. Nil fields mean the sensor is
// unsupported, unreadable, or returned garbage for this tick; the backend
// never fails a whole poll over a single metric. Values are already in
// canonical units (backends divide out milli/micro scales at read time).
type RawReading struct {
	UtilizationPct *float64
	MemBusyPct     *float64
	MemUsedBytes   *uint64
	MemTotalBytes  *uint64
	TemperatureC   *float64
	PowerW         *float64
	FanRPM         *float64
	FanPct         *float64
	GPUClockMHz    *float64
	MemClockMHz    *float64
	PCIeTxKBps     *float64
	PCIeRxKBps     *float64
}

// Snapshot is the canonical, fully-populated metric record. Every field is
// present and non-negative; sensors the hardware does not expose read as
// zero. Snapshots are immutable once stored.
type Snapshot struct {
	Timestamp      time.Time `json:"ts"`
	UtilizationPct float64   `json:"utilization_pct"`
	MemBusyPct     float64   `json:"mem_busy_pct"`
	MemUsedBytes   uint64    `json:"mem_used_bytes"`
	MemTotalBytes  uint64    `json:"mem_total_bytes"`
	TemperatureC   float64   `json:"temperature_c"`
	PowerW         float64   `json:"power_w"`
	FanRPM         float64   `json:"fan_rpm"`
	FanPct         float64   `json:"fan_pct"`
	GPUClockMHz    float64   `json:"gpu_clock_mhz"`
	MemClockMHz    float64   `json:"mem_clock_mhz"`
	PCIeTxKBps     float64   `json:"pcie_tx_kbps"`
	PCIeRxKBps     float64   `json:"pcie_rx_kbps"`
}

// ProcessInfo describes one process using a GPU. Name may be empty when
// the backend cannot resolve it; callers fill it from /proc.
type ProcessInfo struct {
	PID         uint32 `json:"pid"`
	Name        string `json:"name"`
	MemoryBytes uint64 `json:"memory_bytes"`
}
