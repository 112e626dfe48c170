// gpuscope-probe is a one-shot diagnostic: it runs backend detection,
// polls every device once, and prints the normalized result.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gpuscope/gpuscope/internal/gpu"
)

type options struct {
	sysfsRoot    string
	vendor       string
	deviceFilter string
	sample       bool
	jsonOutput   bool
}

func parseFlags() options {
	defaultSysfs := envOrDefault("APP_SYSFS_ROOT", "/sys")
	defaultVendor := envOrDefault("APP_VENDOR", "auto")

	var opts options
	flag.StringVar(&opts.sysfsRoot, "sysfs", defaultSysfs, "Path to sysfs root")
	flag.StringVar(&opts.vendor, "vendor", defaultVendor, "Vendor override: auto, nvidia, amd, none")
	flag.StringVar(&opts.deviceFilter, "device", "", "Limit sampling to a specific device id")
	flag.BoolVar(&opts.sample, "sample", false, "Collect one telemetry sample per device")
	flag.BoolVar(&opts.jsonOutput, "json", false, "Emit detection result as JSON")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	override, err := gpu.ParseVendorOverride(opts.vendor)
	if err != nil {
		logger.Error("invalid vendor override", "err", err)
		os.Exit(1)
	}

	detection := gpu.Detect(override, opts.sysfsRoot, logger.With("component", "gpu_detect"))
	defer func() {
		if err := detection.Close(); err != nil {
			logger.Warn("backend close", "err", err)
		}
	}()

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(detection.Devices); err != nil {
			logger.Error("encode detection output", "err", err)
			os.Exit(1)
		}
	} else {
		if len(detection.Devices) == 0 {
			fmt.Println("No GPUs detected")
		} else {
			fmt.Println("Detected GPUs:")
		}
		for _, dev := range detection.Devices {
			fmt.Printf("- %s [%s] %s (PCI: %s, PCIID: %s, Driver: %s)\n",
				dev.ID, dev.Vendor, dev.Name, dev.PCIAddr, dev.PCIID, dev.DriverVersion)
		}
	}

	if !opts.sample {
		return
	}

	fmt.Println()
	fmt.Printf("Collecting samples at %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Println(strings.Repeat("-", 60))

	for _, backend := range detection.Backends {
		for _, dev := range backend.Devices() {
			if opts.deviceFilter != "" && opts.deviceFilter != dev.ID {
				continue
			}
			snap := gpu.Normalize(backend.Poll(dev), time.Now())
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				logger.Error("encode sample", "device_id", dev.ID, "err", err)
				continue
			}
			fmt.Printf("GPU %s sample:\n%s\n\n", dev.ID, string(data))
		}
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
