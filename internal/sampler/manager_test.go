package sampler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gpuscope/gpuscope/internal/gpu"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func awaitSnapshot(t *testing.T, ch <-chan gpu.Snapshot) gpu.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("subscription channel closed")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return gpu.Snapshot{}
}

func util(v float64) *float64 { return &v }

func TestManagerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(0, 10, nil, discardLogger()); err == nil {
		t.Errorf("expected error for non-positive interval")
	}
	if _, err := NewManager(time.Second, 0, nil, discardLogger()); err == nil {
		t.Errorf("expected error for non-positive history depth")
	}
}

func TestManagerPollsAndBuffersHistory(t *testing.T) {
	t.Parallel()

	fake := gpu.NewFake(gpu.VendorAMD, 2)
	fake.SetReading("fake0", gpu.RawReading{UtilizationPct: util(42)})
	// fake1 reports nothing at all: every field must normalize to zero.

	manager, err := NewManager(10*time.Millisecond, 64, []gpu.Backend{fake}, discardLogger())
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = manager.Run(ctx) }()

	waitFor(t, 2*time.Second, manager.Ready)

	snap, ok := manager.Latest("fake0")
	if !ok || snap.UtilizationPct != 42 {
		t.Fatalf("Latest(fake0) = %+v, %v", snap, ok)
	}
	zero, ok := manager.Latest("fake1")
	if !ok {
		t.Fatalf("fake1 has no sample")
	}
	if zero.UtilizationPct != 0 || zero.PowerW != 0 || zero.MemUsedBytes != 0 {
		t.Fatalf("unsupported sensors must read zero: %+v", zero)
	}

	waitFor(t, 2*time.Second, func() bool {
		hist, _ := manager.History("fake0")
		return len(hist) >= 3
	})

	hist, ok := manager.History("fake0")
	if !ok {
		t.Fatalf("History(fake0) reported unknown device")
	}
	for i := 1; i < len(hist); i++ {
		if !hist[i].Timestamp.After(hist[i-1].Timestamp) {
			t.Fatalf("timestamps not strictly increasing at %d", i)
		}
	}

	if _, ok := manager.History("nope"); ok {
		t.Fatalf("History must report unknown devices")
	}
}

func TestManagerHistoryEviction(t *testing.T) {
	t.Parallel()

	fake := gpu.NewFake(gpu.VendorAMD, 1)
	manager, err := NewManager(5*time.Millisecond, 3, []gpu.Backend{fake}, discardLogger())
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = manager.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return fake.PollCount("fake0") >= 6 })
	cancel()
	waitFor(t, 2*time.Second, func() bool { return manager.State() == StateStopped })

	hist, _ := manager.History("fake0")
	if len(hist) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if !hist[i].Timestamp.After(hist[i-1].Timestamp) {
			t.Fatalf("retained snapshots out of order at %d", i)
		}
	}
}

func TestManagerSubscribe(t *testing.T) {
	t.Parallel()

	fake := gpu.NewFake(gpu.VendorNVIDIA, 1)
	fake.SetReading("fake0", gpu.RawReading{UtilizationPct: util(10)})

	manager, err := NewManager(10*time.Millisecond, 16, []gpu.Backend{fake}, discardLogger())
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = manager.Run(ctx) }()

	waitFor(t, 2*time.Second, manager.Ready)

	ch, unsubscribe, err := manager.Subscribe("fake0")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsubscribe()

	first := awaitSnapshot(t, ch)
	if first.UtilizationPct != 10 {
		t.Fatalf("first snapshot = %+v", first)
	}

	fake.SetReading("fake0", gpu.RawReading{UtilizationPct: util(25)})
	waitFor(t, 2*time.Second, func() bool {
		snap := awaitSnapshot(t, ch)
		return snap.UtilizationPct == 25
	})

	if _, _, err := manager.Subscribe("unknown"); err == nil {
		t.Fatalf("Subscribe must fail for unknown device")
	}
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	fake := gpu.NewFake(gpu.VendorAMD, 1)
	manager, err := NewManager(10*time.Millisecond, 8, []gpu.Backend{fake}, discardLogger())
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	if manager.State() != StateIdle {
		t.Fatalf("initial state = %v, want idle", manager.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- manager.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return manager.State() == StateRunning })
	waitFor(t, 2*time.Second, manager.Ready)

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not observe cancellation within a polling interval")
	}

	if manager.State() != StateStopped {
		t.Fatalf("state after run = %v, want stopped", manager.State())
	}
	if !fake.Closed() {
		t.Fatalf("backend not released on exit path")
	}

	if err := manager.Run(context.Background()); err == nil {
		t.Fatalf("restarting a stopped sampler must fail")
	}
}

func TestManagerNoDevices(t *testing.T) {
	t.Parallel()

	manager, err := NewManager(10*time.Millisecond, 8, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	if manager.HasDevices() {
		t.Fatalf("HasDevices must be false for empty detection")
	}
	if !manager.Ready() {
		t.Fatalf("empty device set is trivially ready")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- manager.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return manager.State() == StateRunning })
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no-device run did not stop on cancellation")
	}
}
