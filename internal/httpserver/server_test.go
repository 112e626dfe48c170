package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gpuscope/gpuscope/internal/config"
	"github.com/gpuscope/gpuscope/internal/gpu"
	"github.com/gpuscope/gpuscope/internal/sampler"
	"github.com/gpuscope/gpuscope/internal/version"
)

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", string(body))
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()

	// No devices at all: the process stays healthy in the no-GPU state.
	_, tsEmpty := newTestHTTPServer(t, cfg, nil)
	defer tsEmpty.Close()
	assertReadyz(t, tsEmpty.URL+"/readyz", http.StatusOK, "ok", "no_gpus")

	// Devices present but the sampler has not published yet.
	fake := gpu.NewFake(gpu.VendorAMD, 1)
	manager := newTestManager(t, fake)

	_, tsInit := newTestHTTPServer(t, cfg, manager)
	defer tsInit.Close()
	assertReadyz(t, tsInit.URL+"/readyz", http.StatusServiceUnavailable, "initializing", "waiting_for_samples")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = manager.Run(ctx) }()

	waitFor(t, 2*time.Second, manager.Ready)
	assertReadyz(t, tsInit.URL+"/readyz", http.StatusOK, "ok", "")
}

func TestVersionEndpoint(t *testing.T) {
	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/version")
	if err != nil {
		t.Fatalf("GET /version failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var info version.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "v0.0.1" || info.Commit != "abc123" || info.BuildTime != "now" {
		t.Fatalf("unexpected version payload %+v", info)
	}
}

func TestAPIGPUs(t *testing.T) {
	t.Parallel()

	fake := gpu.NewFake(gpu.VendorNVIDIA, 2)
	manager := newTestManager(t, fake)

	_, ts := newTestHTTPServer(t, defaultTestConfig(), manager)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/gpus")
	if err != nil {
		t.Fatalf("GET /api/gpus failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var payload []gpu.Device
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload) != 2 || payload[0].ID != "fake0" || payload[1].ID != "fake1" {
		t.Fatalf("unexpected device payload %+v", payload)
	}
}

func TestAPIGPUMetricsAndHistory(t *testing.T) {
	t.Parallel()

	fake := gpu.NewFake(gpu.VendorAMD, 1)
	busy := 9.0
	fake.SetReading("fake0", gpu.RawReading{UtilizationPct: &busy})
	manager := newTestManager(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = manager.Run(ctx) }()
	waitFor(t, 2*time.Second, manager.Ready)

	_, ts := newTestHTTPServer(t, defaultTestConfig(), manager)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/gpus/fake0/metrics")
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var snap gpu.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if snap.UtilizationPct != 9 {
		t.Fatalf("unexpected utilization %v", snap.UtilizationPct)
	}

	waitFor(t, 2*time.Second, func() bool {
		hist, _ := manager.History("fake0")
		return len(hist) >= 2
	})

	respHist, err := http.Get(ts.URL + "/api/gpus/fake0/history")
	if err != nil {
		t.Fatalf("GET history failed: %v", err)
	}
	defer respHist.Body.Close()

	if respHist.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", respHist.StatusCode)
	}

	var histPayload struct {
		Type      string         `json:"type"`
		DeviceID  string         `json:"device_id"`
		Snapshots []gpu.Snapshot `json:"snapshots"`
	}
	if err := json.NewDecoder(respHist.Body).Decode(&histPayload); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if histPayload.Type != "history" || histPayload.DeviceID != "fake0" {
		t.Fatalf("unexpected history envelope %+v", histPayload)
	}
	if len(histPayload.Snapshots) < 2 {
		t.Fatalf("expected buffered snapshots, got %d", len(histPayload.Snapshots))
	}
	for i := 1; i < len(histPayload.Snapshots); i++ {
		if !histPayload.Snapshots[i].Timestamp.After(histPayload.Snapshots[i-1].Timestamp) {
			t.Fatalf("history not ordered at %d", i)
		}
	}

	respUnknown, err := http.Get(ts.URL + "/api/gpus/unknown/metrics")
	if err != nil {
		t.Fatalf("GET unknown metrics failed: %v", err)
	}
	respUnknown.Body.Close()
	if respUnknown.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown device, got %d", respUnknown.StatusCode)
	}
}

func TestWebSocketHelloHistoryAndStats(t *testing.T) {
	t.Parallel()

	fake := gpu.NewFake(gpu.VendorAMD, 1)
	busy := 5.0
	fake.SetReading("fake0", gpu.RawReading{UtilizationPct: &busy})
	manager := newTestManager(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = manager.Run(ctx) }()
	waitFor(t, 2*time.Second, manager.Ready)

	_, ts := newTestHTTPServer(t, defaultTestConfig(), manager)
	defer ts.Close()

	wsURL := toWebsocketURL(ts.URL + "/ws")
	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readJSONMessage(t, cctx, conn)
	if hello["type"] != "hello" {
		t.Fatalf("expected hello message, got %q", hello["type"])
	}
	gpus, ok := hello["gpus"].([]interface{})
	if !ok || len(gpus) != 1 {
		t.Fatalf("hello gpus payload missing: %+v", hello)
	}

	// The backlog arrives before live stats so clients can paint
	// immediately.
	sawHistory := false
	for i := 0; i < 5; i++ {
		msg := readJSONMessage(t, cctx, conn)
		switch msg["type"] {
		case "history":
			sawHistory = true
		case "stats":
			if !sawHistory {
				t.Fatalf("stats arrived before history backlog")
			}
			if msg["device_id"] != "fake0" {
				t.Fatalf("unexpected stats device %+v", msg)
			}
			if _, ok := msg["utilization_pct"]; !ok {
				t.Fatalf("expected utilization_pct in stats: %+v", msg)
			}
			return
		case "procs":
			// procwatch is not wired in this test
		default:
			t.Fatalf("unexpected message type %q", msg["type"])
		}
	}
	t.Fatalf("never received a stats message")
}

func TestWebSocketCapacity(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.WS.MaxClients = 1

	fake := gpu.NewFake(gpu.VendorAMD, 1)
	manager := newTestManager(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = manager.Run(ctx) }()
	waitFor(t, 2*time.Second, manager.Ready)

	_, ts := newTestHTTPServer(t, cfg, manager)
	defer ts.Close()

	wsURL := toWebsocketURL(ts.URL + "/ws")
	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, wsURL, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if _, _, err := websocket.Dial(cctx, wsURL, nil); err == nil {
		t.Fatalf("second connection must be rejected at capacity 1")
	}
}

func readJSONMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("unexpected message type %v", msgType)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func newTestManager(t *testing.T, backends ...gpu.Backend) *sampler.Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := sampler.NewManager(5*time.Millisecond, 64, backends, logger)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	return manager
}

func newTestHTTPServer(t *testing.T, cfg config.Config, manager *sampler.Manager) (*Server, *httptest.Server) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, logger, manager, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func assertReadyz(t *testing.T, url string, expectedStatus int, expected string, reason string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d for %s, got %d", expectedStatus, url, resp.StatusCode)
	}

	var payload readyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz response: %v", err)
	}

	if payload.Status != expected {
		t.Fatalf("expected status %q, got %q", expected, payload.Status)
	}
	if reason == "" {
		if payload.Reason != "" {
			t.Fatalf("expected empty reason, got %q", payload.Reason)
		}
	} else if payload.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, payload.Reason)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func defaultTestConfig() config.Config {
	cfg := config.Default()
	cfg.ListenAddr = ":0"
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func toWebsocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
