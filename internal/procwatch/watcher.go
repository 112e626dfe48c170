// Package procwatch periodically lists the processes using each GPU.
// Only backends that implement the process lister capability contribute;
// amdgpu sysfs exposes no per-process usage, so AMD devices simply never
// appear here.
package procwatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gpuscope/gpuscope/internal/gpu"
)

// Snapshot is one process listing for one device.
type Snapshot struct {
	DeviceID  string            `json:"device_id"`
	Timestamp time.Time         `json:"ts"`
	Processes []gpu.ProcessInfo `json:"processes"`
}

type target struct {
	device gpu.Device
	lister gpu.ProcessLister
}

// Watcher drives the periodic process scan and caches the latest
// snapshot per device.
type Watcher struct {
	interval time.Duration
	procRoot string
	logger   *slog.Logger
	targets  []target

	mu          sync.RWMutex
	latest      map[string]Snapshot
	subscribers map[string]map[*subscriber]struct{}
}

// NewWatcher builds a watcher over every device whose backend can list
// processes. procRoot is the proc filesystem mount used to resolve
// process names.
func NewWatcher(interval time.Duration, procRoot string, backends []gpu.Backend, logger *slog.Logger) (*Watcher, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		interval:    interval,
		procRoot:    procRoot,
		logger:      logger.With("component", "procwatch"),
		latest:      make(map[string]Snapshot),
		subscribers: make(map[string]map[*subscriber]struct{}),
	}

	for _, backend := range backends {
		lister, ok := backend.(gpu.ProcessLister)
		if !ok {
			continue
		}
		for _, dev := range backend.Devices() {
			w.targets = append(w.targets, target{device: dev, lister: lister})
		}
	}

	return w, nil
}

// Tracks reports whether the device contributes process snapshots.
func (w *Watcher) Tracks(deviceID string) bool {
	for _, tgt := range w.targets {
		if tgt.device.ID == deviceID {
			return true
		}
	}
	return false
}

// Run scans on the configured interval until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.targets) == 0 {
		<-ctx.Done()
		return nil
	}

	w.logger.Info("process watcher started", "devices", len(w.targets), "interval", w.interval)

	w.scanAll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("process watcher stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			w.scanAll(ctx)
		}
	}
}

func (w *Watcher) scanAll(ctx context.Context) {
	for _, tgt := range w.targets {
		if ctx.Err() != nil {
			return
		}
		procs, err := tgt.lister.Processes(tgt.device)
		if err != nil {
			w.logger.Debug("process listing failed", "device", tgt.device.ID, "err", err)
			continue
		}
		for i := range procs {
			if procs[i].Name == "" {
				procs[i].Name = w.processName(procs[i].PID)
			}
		}
		w.store(Snapshot{
			DeviceID:  tgt.device.ID,
			Timestamp: time.Now(),
			Processes: procs,
		})
	}
}

// processName resolves a PID to its command name via /proc/<pid>/comm.
func (w *Watcher) processName(pid uint32) string {
	data, err := os.ReadFile(filepath.Join(w.procRoot, strconv.FormatUint(uint64(pid), 10), "comm"))
	if err != nil {
		return "unknown"
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "unknown"
	}
	return name
}

func (w *Watcher) store(snap Snapshot) {
	w.mu.Lock()
	w.latest[snap.DeviceID] = snap
	targets := make([]*subscriber, 0, len(w.subscribers[snap.DeviceID]))
	for sub := range w.subscribers[snap.DeviceID] {
		targets = append(targets, sub)
	}
	w.mu.Unlock()

	for _, sub := range targets {
		sub.send(snap)
	}
}

// Latest returns the most recent process snapshot for the device.
func (w *Watcher) Latest(deviceID string) (Snapshot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	snap, ok := w.latest[deviceID]
	return snap, ok
}

// Subscribe registers a listener for process snapshots on one device.
func (w *Watcher) Subscribe(deviceID string) (<-chan Snapshot, func(), error) {
	if !w.Tracks(deviceID) {
		return nil, nil, fmt.Errorf("device %q has no process tracking", deviceID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	sub := newSubscriber()
	if _, ok := w.subscribers[deviceID]; !ok {
		w.subscribers[deviceID] = make(map[*subscriber]struct{})
	}
	w.subscribers[deviceID][sub] = struct{}{}

	if snap, ok := w.latest[deviceID]; ok {
		sub.send(snap)
	}

	unsubscribe := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if subs, ok := w.subscribers[deviceID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(w.subscribers, deviceID)
			}
		}
		sub.close()
	}
	return sub.channel(), unsubscribe, nil
}

type subscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Snapshot, 1)}
}

func (s *subscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *subscriber) send(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
