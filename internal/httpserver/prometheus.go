package httpserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gpuscope/gpuscope/internal/gpu"
	"github.com/gpuscope/gpuscope/internal/sampler"
)

// gpuMetricsCollector exposes the latest snapshot of every device.
// Snapshots are already normalized, so every metric is always present;
// a sensor the hardware lacks reads as zero.
type gpuMetricsCollector struct {
	sampler *sampler.Manager
	devices []gpu.Device
	metrics []gpuMetric
}

type gpuMetric struct {
	desc    *prometheus.Desc
	extract func(snap gpu.Snapshot) float64
}

func newGPUMetricsCollector(devices []gpu.Device, samplerManager *sampler.Manager) prometheus.Collector {
	if samplerManager == nil || len(devices) == 0 {
		return nil
	}

	collector := &gpuMetricsCollector{
		sampler: samplerManager,
		devices: append([]gpu.Device(nil), devices...),
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("gpuscope", "gpu", name),
			help,
			[]string{"device_id", "vendor"},
			nil,
		)
	}

	collector.metrics = []gpuMetric{
		{
			desc:    desc("utilization_percent", "Current graphics engine utilization percentage."),
			extract: func(snap gpu.Snapshot) float64 { return snap.UtilizationPct },
		},
		{
			desc:    desc("memory_busy_percent", "Current memory controller busy percentage."),
			extract: func(snap gpu.Snapshot) float64 { return snap.MemBusyPct },
		},
		{
			desc:    desc("memory_used_bytes", "Current device memory usage in bytes."),
			extract: func(snap gpu.Snapshot) float64 { return float64(snap.MemUsedBytes) },
		},
		{
			desc:    desc("memory_total_bytes", "Total device memory capacity in bytes."),
			extract: func(snap gpu.Snapshot) float64 { return float64(snap.MemTotalBytes) },
		},
		{
			desc:    desc("temperature_celsius", "Current GPU temperature in Celsius."),
			extract: func(snap gpu.Snapshot) float64 { return snap.TemperatureC },
		},
		{
			desc:    desc("power_watts", "Current GPU power draw in Watts."),
			extract: func(snap gpu.Snapshot) float64 { return snap.PowerW },
		},
		{
			desc:    desc("fan_rpm", "Current fan speed in RPM."),
			extract: func(snap gpu.Snapshot) float64 { return snap.FanRPM },
		},
		{
			desc:    desc("fan_percent", "Current fan duty cycle percentage."),
			extract: func(snap gpu.Snapshot) float64 { return snap.FanPct },
		},
		{
			desc:    desc("core_clock_mhz", "Current graphics clock in MHz."),
			extract: func(snap gpu.Snapshot) float64 { return snap.GPUClockMHz },
		},
		{
			desc:    desc("memory_clock_mhz", "Current memory clock in MHz."),
			extract: func(snap gpu.Snapshot) float64 { return snap.MemClockMHz },
		},
		{
			desc:    desc("pcie_tx_kilobytes_per_second", "Current PCIe transmit throughput in KB/s."),
			extract: func(snap gpu.Snapshot) float64 { return snap.PCIeTxKBps },
		},
		{
			desc:    desc("pcie_rx_kilobytes_per_second", "Current PCIe receive throughput in KB/s."),
			extract: func(snap gpu.Snapshot) float64 { return snap.PCIeRxKBps },
		},
		{
			desc:    desc("sample_timestamp_seconds", "Unix timestamp of the latest sample."),
			extract: func(snap gpu.Snapshot) float64 { return float64(snap.Timestamp.Unix()) },
		},
		{
			desc: desc("sample_age_seconds", "Seconds elapsed since the latest sample was collected."),
			extract: func(snap gpu.Snapshot) float64 {
				age := time.Since(snap.Timestamp).Seconds()
				if age < 0 {
					age = 0
				}
				return age
			},
		},
	}

	return collector
}

func (c *gpuMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *gpuMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, dev := range c.devices {
		snap, ok := c.sampler.Latest(dev.ID)
		if !ok {
			continue
		}
		for _, metric := range c.metrics {
			ch <- prometheus.MustNewConstMetric(
				metric.desc,
				prometheus.GaugeValue,
				metric.extract(snap),
				dev.ID,
				string(dev.Vendor),
			)
		}
	}
}
