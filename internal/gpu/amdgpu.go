package gpu

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

const (
	drmClassPath = "class/drm"
	amdgpuDriver = "amdgpu"

	gpuBusyFile      = "gpu_busy_percent"
	memBusyFile      = "mem_busy_percent"
	vramUsedFile     = "mem_info_vram_used"
	vramTotalFile    = "mem_info_vram_total"
	sclkFile         = "pp_dpm_sclk"
	mclkFile         = "pp_dpm_mclk"
	hwmonTempFile    = "temp1_input"
	hwmonFanFile     = "fan1_input"
	hwmonPwmFile     = "pwm1"
	hwmonPowerAvg    = "power1_average"
	hwmonPowerInput  = "power1_input"
	pwmMax           = 255
	microwattDivisor = 1_000_000
	millidegDivisor  = 1000
)

// AMDGPUBackend reads telemetry from amdgpu sysfs and hwmon nodes.
// Every metric is a separate text file; any file that is missing,
// unreadable, or malformed degrades to a nil field for that tick only.
type AMDGPUBackend struct {
	sysfsRoot string
	logger    *slog.Logger
	devices   []Device
	readers   map[string]*sysfsReader
}

// NewAMDGPUBackend scans {sysfsRoot}/class/drm for cards bound to the
// amdgpu kernel driver. It returns ErrBackendUnavailable when the DRM
// class directory is missing or no amdgpu-driven card exists.
func NewAMDGPUBackend(sysfsRoot string, logger *slog.Logger) (*AMDGPUBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("backend", "amdgpu")

	entries, err := os.ReadDir(filepath.Join(sysfsRoot, drmClassPath))
	if err != nil {
		return nil, fmt.Errorf("%w: read drm class dir: %w", ErrBackendUnavailable, err)
	}

	backend := &AMDGPUBackend{
		sysfsRoot: sysfsRoot,
		logger:    logger,
		readers:   make(map[string]*sysfsReader),
	}

	for _, entry := range entries {
		cardID := entry.Name()
		index, ok := parseCardIndex(cardID)
		if !ok {
			continue
		}
		devicePath := filepath.Join(sysfsRoot, drmClassPath, cardID, "device")
		uevent, err := os.ReadFile(filepath.Join(devicePath, "uevent"))
		if err != nil {
			continue
		}
		if parseUeventKey(string(uevent), "DRIVER") != amdgpuDriver {
			continue
		}

		dev := backend.describeCard(cardID, index, devicePath, string(uevent))
		backend.devices = append(backend.devices, dev)
		backend.readers[dev.ID] = &sysfsReader{
			devicePath: devicePath,
			hwmonPath:  detectHwmon(devicePath),
			logger:     logger.With("card", cardID),
		}
	}

	if len(backend.devices) == 0 {
		return nil, fmt.Errorf("%w: no amdgpu card under %s", ErrBackendUnavailable, sysfsRoot)
	}

	return backend, nil
}

// Vendor reports the vendor family served by this backend.
func (b *AMDGPUBackend) Vendor() Vendor { return VendorAMD }

// Devices returns the amdgpu cards found at construction time.
func (b *AMDGPUBackend) Devices() []Device {
	return append([]Device(nil), b.devices...)
}

// Poll reads the fixed sysfs node set for one card.
func (b *AMDGPUBackend) Poll(dev Device) RawReading {
	reader, ok := b.readers[dev.ID]
	if !ok {
		return RawReading{}
	}
	return reader.read()
}

// Close releases backend resources. The sysfs backend opens files only
// for the duration of a read, so there is nothing to release.
func (b *AMDGPUBackend) Close() error { return nil }

func (b *AMDGPUBackend) describeCard(cardID string, index int, devicePath, uevent string) Device {
	pciID := parseUeventKey(uevent, "PCI_ID")
	if pciID == "" {
		vendor := readTrimmed(devicePath, "vendor")
		device := readTrimmed(devicePath, "device")
		if vendor != "" && device != "" {
			pciID = strings.TrimPrefix(vendor, "0x") + ":" + strings.TrimPrefix(device, "0x")
		}
	}

	subVendor := readTrimmed(devicePath, "subsystem_vendor")
	subDevice := readTrimmed(devicePath, "subsystem_device")

	vendorID, deviceID := splitPCIID(pciID)
	name := lookupGPUName(vendorID, deviceID, subVendor, subDevice)
	if name == "" {
		name = readTrimmed(devicePath, "product_name")
	}
	if name == "" {
		name = "AMD GPU"
		if pciID != "" {
			name = fmt.Sprintf("AMD GPU [%s]", pciID)
		}
	}

	return Device{
		ID:            cardID,
		Vendor:        VendorAMD,
		Index:         index,
		Name:          name,
		PCIAddr:       parseUeventKey(uevent, "PCI_SLOT_NAME"),
		PCIID:         pciID,
		DriverVersion: amdgpuDriver,
	}
}

// sysfsReader fetches the metric node set for a single card.
type sysfsReader struct {
	devicePath string
	hwmonPath  string
	logger     *slog.Logger
}

func (r *sysfsReader) read() RawReading {
	raw := RawReading{}

	raw.UtilizationPct = r.readPercent(filepath.Join(r.devicePath, gpuBusyFile))
	raw.MemBusyPct = r.readPercent(filepath.Join(r.devicePath, memBusyFile))
	raw.MemUsedBytes = r.readUint(filepath.Join(r.devicePath, vramUsedFile))
	raw.MemTotalBytes = r.readUint(filepath.Join(r.devicePath, vramTotalFile))
	raw.GPUClockMHz = r.readCurrentClock(filepath.Join(r.devicePath, sclkFile))
	raw.MemClockMHz = r.readCurrentClock(filepath.Join(r.devicePath, mclkFile))

	if r.hwmonPath != "" {
		raw.TemperatureC = r.readScaledFloat(filepath.Join(r.hwmonPath, hwmonTempFile), millidegDivisor)
		raw.FanRPM = r.readFloat(filepath.Join(r.hwmonPath, hwmonFanFile))
		raw.FanPct = r.readPwmPercent(filepath.Join(r.hwmonPath, hwmonPwmFile))
		raw.PowerW = r.readScaledFloat(filepath.Join(r.hwmonPath, hwmonPowerAvg), microwattDivisor)
		if raw.PowerW == nil {
			raw.PowerW = r.readScaledFloat(filepath.Join(r.hwmonPath, hwmonPowerInput), microwattDivisor)
		}
	}

	return raw
}

func (r *sysfsReader) readPercent(path string) *float64 {
	value, ok := r.readValue(path)
	if !ok || value < 0 {
		return nil
	}
	// Some kernels report busy percent scaled by 100.
	if value > 100 {
		value = clamp(value/100, 0, 100)
	}
	return &value
}

func (r *sysfsReader) readPwmPercent(path string) *float64 {
	value, ok := r.readValue(path)
	if !ok || value < 0 {
		return nil
	}
	pct := value * 100 / pwmMax
	return &pct
}

func (r *sysfsReader) readScaledFloat(path string, divisor float64) *float64 {
	value, ok := r.readValue(path)
	if !ok {
		return nil
	}
	scaled := value / divisor
	return &scaled
}

func (r *sysfsReader) readFloat(path string) *float64 {
	value, ok := r.readValue(path)
	if !ok {
		return nil
	}
	return &value
}

func (r *sysfsReader) readUint(path string) *uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		r.logReadError(path, err)
		return nil
	}
	text := strings.TrimSpace(string(data))
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		r.logger.Debug("malformed metric node", "path", path, "value", text, "err", err)
		return nil
	}
	return &value
}

func (r *sysfsReader) readValue(path string) (float64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		r.logReadError(path, err)
		return 0, false
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		r.logger.Debug("empty metric node", "path", path)
		return 0, false
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		r.logger.Debug("malformed metric node", "path", path, "value", text, "err", err)
		return 0, false
	}
	return value, true
}

// logReadError keeps permission failures distinguishable from sensors
// the hardware simply does not expose.
func (r *sysfsReader) logReadError(path string, err error) {
	switch {
	case os.IsNotExist(err):
		// Sensor not exposed; expected on iGPUs and fanless cards.
	case os.IsPermission(err):
		r.logger.Warn("metric node permission denied", "path", path)
	default:
		r.logger.Debug("metric node read failed", "path", path, "err", err)
	}
}

// readCurrentClock parses pp_dpm_sclk/pp_dpm_mclk output, looking for the
// active level marked with '*', e.g. "1: 1000Mhz *".
func (r *sysfsReader) readCurrentClock(path string) *float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		r.logReadError(path, err)
		return nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "*") {
			continue
		}
		if mhz, ok := extractClockMHz(line); ok {
			return &mhz
		}
	}
	return nil
}

func extractClockMHz(line string) (float64, bool) {
	for _, field := range strings.Fields(line) {
		field = strings.TrimSuffix(field, "*")
		lower := strings.ToLower(field)
		if !strings.HasSuffix(lower, "mhz") {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSuffix(lower, "mhz"), 64)
		if err != nil {
			continue
		}
		return value, true
	}
	return 0, false
}

func detectHwmon(devicePath string) string {
	hwmonRoot := filepath.Join(devicePath, "hwmon")
	entries, err := os.ReadDir(hwmonRoot)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Type()&fs.ModeSymlink != 0 {
			return filepath.Join(hwmonRoot, entry.Name())
		}
	}
	return ""
}

// parseCardIndex accepts "card0", "card1", ... but not connector entries
// like "card0-DP-1".
func parseCardIndex(name string) (int, bool) {
	const prefix = "card"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	suffix := name[len(prefix):]
	if suffix == "" {
		return 0, false
	}
	for _, r := range suffix {
		if !unicode.IsDigit(r) {
			return 0, false
		}
	}
	index, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return index, true
}

func parseUeventKey(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrimmed(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func splitPCIID(pciID string) (vendorID, deviceID string) {
	parts := strings.SplitN(pciID, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
