package gpu

import (
	"fmt"
	"sync"
)

// Fake is an in-memory backend for tests and development. Readings are
// set per device and returned verbatim on Poll.
type Fake struct {
	vendor Vendor

	mu       sync.RWMutex
	devices  []Device
	readings map[string]RawReading
	procs    map[string][]ProcessInfo
	polls    map[string]int
	closed   bool
}

// NewFake creates a fake backend with the given number of devices.
func NewFake(vendor Vendor, deviceCount int) *Fake {
	f := &Fake{
		vendor:   vendor,
		readings: make(map[string]RawReading),
		procs:    make(map[string][]ProcessInfo),
		polls:    make(map[string]int),
	}
	for i := 0; i < deviceCount; i++ {
		f.devices = append(f.devices, Device{
			ID:     fmt.Sprintf("fake%d", i),
			Vendor: vendor,
			Index:  i,
			Name:   fmt.Sprintf("Fake GPU %d", i),
			UUID:   fmt.Sprintf("FAKE-%08d", i),
		})
	}
	return f
}

// Vendor reports the configured vendor family.
func (f *Fake) Vendor() Vendor { return f.vendor }

// Devices returns the fake device set.
func (f *Fake) Devices() []Device {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Device(nil), f.devices...)
}

// Poll returns the reading configured for the device.
func (f *Fake) Poll(dev Device) RawReading {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[dev.ID]++
	return f.readings[dev.ID]
}

// Processes returns the process list configured for the device.
func (f *Fake) Processes(dev Device) ([]ProcessInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]ProcessInfo(nil), f.procs[dev.ID]...), nil
}

// Close marks the backend closed.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// SetReading configures the reading Poll returns for a device.
func (f *Fake) SetReading(deviceID string, raw RawReading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings[deviceID] = raw
}

// SetProcesses configures the process list for a device.
func (f *Fake) SetProcesses(deviceID string, procs []ProcessInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[deviceID] = append([]ProcessInfo(nil), procs...)
}

// PollCount reports how many times a device has been polled.
func (f *Fake) PollCount(deviceID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.polls[deviceID]
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.closed
}
