package gpu

import (
	"math"
	"time"
)

// Normalize converts a raw backend reading into a canonical snapshot.
// It is a pure total function: every unsupported (nil) field collapses to
// zero, percentages are clamped to [0,100], and negative readings clamp
// to zero. Downstream code never sees partial data.
func Normalize(raw RawReading, ts time.Time) Snapshot {
	return Snapshot{
		Timestamp:      ts,
		UtilizationPct: percentOrZero(raw.UtilizationPct),
		MemBusyPct:     percentOrZero(raw.MemBusyPct),
		MemUsedBytes:   uintOrZero(raw.MemUsedBytes),
		MemTotalBytes:  uintOrZero(raw.MemTotalBytes),
		TemperatureC:   nonNegativeOrZero(raw.TemperatureC),
		PowerW:         nonNegativeOrZero(raw.PowerW),
		FanRPM:         nonNegativeOrZero(raw.FanRPM),
		FanPct:         percentOrZero(raw.FanPct),
		GPUClockMHz:    nonNegativeOrZero(raw.GPUClockMHz),
		MemClockMHz:    nonNegativeOrZero(raw.MemClockMHz),
		PCIeTxKBps:     nonNegativeOrZero(raw.PCIeTxKBps),
		PCIeRxKBps:     nonNegativeOrZero(raw.PCIeRxKBps),
	}
}

func percentOrZero(value *float64) float64 {
	if value == nil {
		return 0
	}
	return clamp(*value, 0, 100)
}

func nonNegativeOrZero(value *float64) float64 {
	if value == nil || *value < 0 || math.IsNaN(*value) {
		return 0
	}
	return *value
}

func uintOrZero(value *uint64) uint64 {
	if value == nil {
		return 0
	}
	return *value
}

func clamp(value, min, max float64) float64 {
	if math.IsNaN(value) {
		return min
	}
	return math.Max(min, math.Min(max, value))
}
