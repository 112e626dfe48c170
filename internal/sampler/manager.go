// Package sampler drives the periodic poll-normalize-store cycle. One
// manager owns all detected backends, polls every device sequentially on
// a drift-corrected cadence, and feeds per-device history rings plus a
// latest-sample cache consumed by the serving layer.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gpuscope/gpuscope/internal/gpu"
	"github.com/gpuscope/gpuscope/internal/history"
)

// State describes the scheduler lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// deviceChannel pairs a device with its backend and its time-series ring.
// lastTS is touched only by the run loop.
type deviceChannel struct {
	device  gpu.Device
	backend gpu.Backend
	ring    *history.Ring
	lastTS  time.Time
}

// Manager is the polling scheduler. It is the sole writer to every ring;
// readers go through Latest, History, and Subscribe.
type Manager struct {
	interval time.Duration
	depth    int
	logger   *slog.Logger

	channels []*deviceChannel
	byID     map[string]*deviceChannel
	backends []gpu.Backend

	state atomic.Int32

	mu          sync.RWMutex
	latest      map[string]gpu.Snapshot
	subscribers map[string]map[*subscriber]struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewManager builds a scheduler over the given backends. Device order
// follows backend order; historyDepth is the per-device ring capacity.
func NewManager(interval time.Duration, historyDepth int, backends []gpu.Backend, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if historyDepth <= 0 {
		return nil, fmt.Errorf("history depth must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		interval:    interval,
		depth:       historyDepth,
		logger:      logger.With("component", "sampler"),
		byID:        make(map[string]*deviceChannel),
		backends:    backends,
		latest:      make(map[string]gpu.Snapshot),
		subscribers: make(map[string]map[*subscriber]struct{}),
	}

	for _, backend := range backends {
		for _, dev := range backend.Devices() {
			if _, exists := m.byID[dev.ID]; exists {
				return nil, fmt.Errorf("duplicate device id %q", dev.ID)
			}
			ch := &deviceChannel{
				device:  dev,
				backend: backend,
				ring:    history.NewRing(historyDepth),
			}
			m.channels = append(m.channels, ch)
			m.byID[dev.ID] = ch
		}
	}

	return m, nil
}

// Run executes the polling loop until the context is canceled. The loop
// polls every device sequentially each tick and sleeps until the next
// scheduled tick, correcting for poll duration so intervals do not drift.
// Cancellation is observed at tick and device boundaries: no snapshot is
// stored after the context ends, and backend resources are released on
// the way out.
func (m *Manager) Run(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("sampler already started")
	}
	defer func() {
		m.state.Store(int32(StateStopped))
		if err := m.Close(); err != nil {
			m.logger.Warn("close after run", "err", err)
		}
	}()

	m.logger.Info("sampler started", "devices", len(m.channels), "interval", m.interval)

	if len(m.channels) == 0 {
		<-ctx.Done()
		m.state.Store(int32(StateStopping))
		m.logger.Info("sampler stopping", "reason", ctx.Err())
		return nil
	}

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	next := time.Now()
	for {
		m.pollAll(ctx)

		// Drift correction: schedule relative to the previous deadline,
		// skipping any ticks the poll overran.
		next = next.Add(m.interval)
		now := time.Now()
		for !next.After(now) {
			next = next.Add(m.interval)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next.Sub(now))

		select {
		case <-ctx.Done():
			m.state.Store(int32(StateStopping))
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			return nil
		case <-timer.C:
		}
	}
}

// pollAll runs one tick: sequential per device, one poll in flight at a
// time. A cancellation observed mid-tick stops before the next store.
func (m *Manager) pollAll(ctx context.Context) {
	for _, ch := range m.channels {
		if ctx.Err() != nil {
			return
		}
		raw := ch.backend.Poll(ch.device)
		if ctx.Err() != nil {
			return
		}

		ts := time.Now()
		// Timestamps within one channel are strictly increasing even if
		// the clock reads the same instant twice.
		if !ts.After(ch.lastTS) {
			ts = ch.lastTS.Add(time.Nanosecond)
		}
		ch.lastTS = ts

		m.store(ch, gpu.Normalize(raw, ts))
	}
}

func (m *Manager) store(ch *deviceChannel, snap gpu.Snapshot) {
	ch.ring.Append(snap)

	m.mu.Lock()
	m.latest[ch.device.ID] = snap
	targets := make([]*subscriber, 0, len(m.subscribers[ch.device.ID]))
	for sub := range m.subscribers[ch.device.ID] {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(snap)
	}
}

// State reports the scheduler lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Interval returns the configured polling interval.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// Devices returns every device under management, in polling order.
func (m *Manager) Devices() []gpu.Device {
	out := make([]gpu.Device, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch.device)
	}
	return out
}

// DeviceIDs returns the managed device ids, in polling order.
func (m *Manager) DeviceIDs() []string {
	out := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch.device.ID)
	}
	return out
}

// HasDevices reports whether any GPU was detected. False is the explicit
// "no GPU" state, distinct from devices reporting all-zero metrics.
func (m *Manager) HasDevices() bool {
	return len(m.channels) > 0
}

// Latest returns the most recent snapshot for the device.
func (m *Manager) Latest(deviceID string) (gpu.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.latest[deviceID]
	return snap, ok
}

// History returns the buffered snapshots for the device, oldest first.
func (m *Manager) History(deviceID string) ([]gpu.Snapshot, bool) {
	ch, ok := m.byID[deviceID]
	if !ok {
		return nil, false
	}
	return ch.ring.Snapshots(), true
}

// HistoryDepth returns the per-device ring capacity.
func (m *Manager) HistoryDepth() int {
	return m.depth
}

// Ready reports whether every device has published at least one sample.
// An empty device set is trivially ready.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		if _, ok := m.latest[ch.device.ID]; !ok {
			return false
		}
	}
	return true
}

// Subscribe registers a listener for snapshot updates on one device.
// The channel carries at most one pending sample; a slow consumer loses
// old samples, never new ones.
func (m *Manager) Subscribe(deviceID string) (<-chan gpu.Snapshot, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[deviceID]; !ok {
		return nil, nil, fmt.Errorf("unknown device %q", deviceID)
	}

	sub := newSubscriber()
	if _, ok := m.subscribers[deviceID]; !ok {
		m.subscribers[deviceID] = make(map[*subscriber]struct{})
	}
	m.subscribers[deviceID][sub] = struct{}{}

	if snap, ok := m.latest[deviceID]; ok {
		sub.send(snap)
	}

	unsubscribe := func() {
		m.removeSubscriber(deviceID, sub)
	}
	return sub.channel(), unsubscribe, nil
}

func (m *Manager) removeSubscriber(deviceID string, sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[deviceID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.subscribers, deviceID)
		}
	}
	sub.close()
}

// Close releases every backend. Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		for _, backend := range m.backends {
			if err := backend.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s backend: %w", backend.Vendor(), err))
			}
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

type subscriber struct {
	ch     chan gpu.Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan gpu.Snapshot, 1)}
}

func (s *subscriber) channel() <-chan gpu.Snapshot {
	return s.ch
}

func (s *subscriber) send(snap gpu.Snapshot) {
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
	// Drop the stale sample to make room for the new one.
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
