// Package history provides the fixed-capacity time-series buffer fed by
// the sampling scheduler and read concurrently by the serving layer.
package history

import (
	"sync"

	"github.com/gpuscope/gpuscope/internal/gpu"
)

// Ring is a fixed-capacity FIFO buffer of metric snapshots. The sampler
// is the sole writer; any number of readers may call Snapshots
// concurrently. Readers only ever observe fully-appended snapshots: the
// mutex is the single synchronization boundary between the polling
// goroutine and the serving layer.
type Ring struct {
	mu    sync.RWMutex
	buf   []gpu.Snapshot
	head  int
	count int
}

// NewRing creates a buffer holding at most capacity snapshots. A
// capacity below one is raised to one.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]gpu.Snapshot, capacity)}
}

// Append stores a snapshot, evicting the oldest entry when full.
func (r *Ring) Append(snap gpu.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = snap
	if r.count < len(r.buf) {
		r.count++
		return
	}
	r.head = (r.head + 1) % len(r.buf)
}

// Snapshots returns the buffered snapshots, oldest first. The result is
// a copy and safe to retain.
func (r *Ring) Snapshots() []gpu.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]gpu.Snapshot, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Last returns the most recent snapshot, if any.
func (r *Ring) Last() (gpu.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return gpu.Snapshot{}, false
	}
	return r.buf[(r.head+r.count-1)%len(r.buf)], true
}

// Len reports how many snapshots are currently buffered.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap reports the fixed capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}
