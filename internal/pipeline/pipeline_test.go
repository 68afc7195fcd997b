package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/n0needt0/goodies/eventpipe/internal/domain"
	"github.com/n0needt0/goodies/eventpipe/internal/retry"
	"github.com/n0needt0/goodies/eventpipe/internal/storage"
)

type testHarness struct {
	pipeline *Pipeline
	store    *storage.Queue
	signals  *ChanSignalSource
	path     string
	cleanup  func()
}

func setupTestPipeline(t *testing.T, opts Options) *testHarness {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "eventpipe-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	path := filepath.Join(tmpDir, "queue.db")

	store := storage.NewQueue(path)
	signals := NewChanSignalSource()

	// Long default interval so only explicit triggers flush.
	if opts.SyncingInterval == 0 {
		opts.SyncingInterval = time.Hour
	}

	p, err := New(store, signals, opts, nil)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	p.Sender().SetSleeper(retry.SleeperFunc(func(time.Duration) {}))

	h := &testHarness{
		pipeline: p,
		store:    store,
		signals:  signals,
		path:     path,
	}
	h.cleanup = func() {
		p.Stop()
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return h
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestLifecycleStates(t *testing.T) {
	h := setupTestPipeline(t, Options{Endpoint: "http://collector.local"})
	defer h.cleanup()

	if h.pipeline.State() != StateReady {
		t.Errorf("expected ready after construction, got %s", h.pipeline.State())
	}
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.pipeline.State() != StateRunning {
		t.Errorf("expected running, got %s", h.pipeline.State())
	}
	if err := h.pipeline.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.pipeline.State() != StateStopped {
		t.Errorf("expected stopped, got %s", h.pipeline.State())
	}
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	h := setupTestPipeline(t, Options{})
	defer h.cleanup()

	if err := h.pipeline.Stop(); err != nil {
		t.Fatalf("Stop before Start must be safe: %v", err)
	}
}

func TestTrackMergesGlobalContext(t *testing.T) {
	h := setupTestPipeline(t, Options{
		GlobalContext: map[string]any{"app": "shop", "env": "prod"},
	})
	defer h.cleanup()

	err := h.pipeline.Track(context.Background(), domain.TrackingEvent{
		Type:    "click",
		Context: map[string]any{"env": "staging", "page": "/cart"},
	})
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	events, err := h.store.GetAll()
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ctx := events[0].Context
	if ctx["app"] != "shop" {
		t.Errorf("global key missing: %v", ctx)
	}
	// Event-level keys win on conflict.
	if ctx["env"] != "staging" {
		t.Errorf("event key should win over global, got %v", ctx["env"])
	}
	if ctx["page"] != "/cart" {
		t.Errorf("event key missing: %v", ctx)
	}
}

func TestTrackFillsIdentity(t *testing.T) {
	h := setupTestPipeline(t, Options{})
	defer h.cleanup()

	before := time.Now().UnixMilli()
	if err := h.pipeline.Track(context.Background(), domain.TrackingEvent{Type: "click"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	events, _ := h.store.GetAll()
	if events[0].ID == "" {
		t.Error("expected autogenerated id")
	}
	if events[0].Timestamp < before {
		t.Errorf("expected capture timestamp, got %d", events[0].Timestamp)
	}
}

func TestTrackIsDurableBeforeQueued(t *testing.T) {
	h := setupTestPipeline(t, Options{})
	defer h.cleanup()

	if err := h.pipeline.Track(context.Background(), domain.TrackingEvent{ID: "e1", Type: "click", Timestamp: 1000}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	// The durable store already holds the event, without any flush.
	n, err := h.store.Len()
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 durable event, got %d", n)
	}
	if h.pipeline.QueueDepth() != 1 {
		t.Errorf("expected mirror depth 1, got %d", h.pipeline.QueueDepth())
	}
}

func TestFlushDeliversAndRemoves(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := setupTestPipeline(t, Options{Endpoint: server.URL})
	defer h.cleanup()

	for i := 0; i < 3; i++ {
		if err := h.pipeline.Track(context.Background(), domain.TrackingEvent{Type: "click"}); err != nil {
			t.Fatalf("Track failed: %v", err)
		}
	}
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return h.pipeline.QueueDepth() == 0 }, "initial drain")

	res := h.pipeline.Flush(context.Background())
	if res.Err != nil {
		t.Fatalf("flush error: %v", res.Err)
	}

	n, _ := h.store.Len()
	if n != 0 {
		t.Errorf("expected empty durable queue after delivery, got %d", n)
	}

	stats := h.pipeline.GetStats()
	if stats.EventsDelivered != 3 {
		t.Errorf("expected 3 delivered, got %d", stats.EventsDelivered)
	}
}

func TestFailedDeliveryKeepsEventsQueued(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var failures atomic.Int64
	h := setupTestPipeline(t, Options{
		Endpoint:      server.URL,
		RetryAttempts: 2,
		OnError:       func(err error, events []domain.TrackingEvent) { failures.Add(1) },
	})
	defer h.cleanup()

	if err := h.pipeline.Track(context.Background(), domain.TrackingEvent{Type: "click"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return failures.Load() >= 1 }, "failure callback")

	res := h.pipeline.Flush(context.Background())
	if res.Err == nil && !res.Skipped {
		t.Error("expected flush to report the delivery failure")
	}

	// The batch stays queued indefinitely across cycles.
	if h.pipeline.QueueDepth() != 1 {
		t.Errorf("failed events must stay queued, depth=%d", h.pipeline.QueueDepth())
	}
	n, _ := h.store.Len()
	if n != 1 {
		t.Errorf("failed events must stay durable, got %d", n)
	}
}

func TestFlushOfflineAndResumeOnOnline(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := setupTestPipeline(t, Options{Endpoint: server.URL})
	defer h.cleanup()

	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.signals.Emit(SignalOffline)
	waitFor(t, time.Second, func() bool { return h.pipeline.Network() == StateOffline }, "offline state")

	if err := h.pipeline.Track(context.Background(), domain.TrackingEvent{Type: "click"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	res := h.pipeline.Flush(context.Background())
	if !res.Skipped {
		t.Error("flush while offline must be a no-op")
	}
	if requests.Load() != 0 {
		t.Errorf("expected zero requests while offline, got %d", requests.Load())
	}
	if h.pipeline.QueueDepth() != 1 {
		t.Errorf("events must remain queued while offline, depth=%d", h.pipeline.QueueDepth())
	}

	// The online signal triggers a flush automatically.
	h.signals.Emit(SignalOnline)
	waitFor(t, 2*time.Second, func() bool { return h.pipeline.QueueDepth() == 0 }, "flush after reconnect")
	if requests.Load() == 0 {
		t.Error("expected delivery after the online signal")
	}
}

func TestPageHiddenTriggersFlush(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := setupTestPipeline(t, Options{Endpoint: server.URL})
	defer h.cleanup()

	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.pipeline.Track(context.Background(), domain.TrackingEvent{Type: "click"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	h.signals.Emit(SignalHidden)
	waitFor(t, 2*time.Second, func() bool { return h.pipeline.QueueDepth() == 0 }, "flush on page hide")
}

func TestSingleFlightFlush(t *testing.T) {
	var requests atomic.Int64
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := setupTestPipeline(t, Options{Endpoint: server.URL})
	defer h.cleanup()

	if err := h.pipeline.Track(context.Background(), domain.TrackingEvent{Type: "click"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The initial drain is in flight and blocked on the server; rapid
	// triggers while it runs must all be no-ops.
	waitFor(t, time.Second, func() bool { return requests.Load() == 1 }, "first request")

	var wg sync.WaitGroup
	skipped := atomic.Int64{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := h.pipeline.Flush(context.Background()); res.Skipped {
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)

	if skipped.Load() != 5 {
		t.Errorf("expected all overlapping triggers to be skipped, got %d", skipped.Load())
	}
	waitFor(t, 2*time.Second, func() bool { return h.pipeline.QueueDepth() == 0 }, "delivery")
	if requests.Load() != 1 {
		t.Errorf("expected exactly one delivery sequence, got %d requests", requests.Load())
	}
}

func TestDurabilityAcrossRestart(t *testing.T) {
	h := setupTestPipeline(t, Options{})

	for i := 0; i < 3; i++ {
		if err := h.pipeline.Track(context.Background(), domain.TrackingEvent{Type: "click"}); err != nil {
			t.Fatalf("Track failed: %v", err)
		}
	}
	// Simulated teardown without any flush.
	h.pipeline.Stop()
	h.store.Close()
	defer h.cleanup()

	var delivered atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// Fresh orchestrator over the same durable store.
	store := storage.NewQueue(h.path)
	p, err := New(store, NewChanSignalSource(), Options{Endpoint: server.URL, SyncingInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("Failed to create second pipeline: %v", err)
	}
	defer func() {
		p.Stop()
		store.Close()
	}()
	p.Sender().SetSleeper(retry.SleeperFunc(func(time.Duration) {}))

	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Leftovers from the previous session are drained on start.
	waitFor(t, 2*time.Second, func() bool { return p.QueueDepth() == 0 }, "leftover drain")
	if p.GetStats().EventsDelivered != 3 {
		t.Errorf("expected 3 leftover events delivered, got %d", p.GetStats().EventsDelivered)
	}
}

func TestFlushLoopsOverMultipleBatches(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := setupTestPipeline(t, Options{Endpoint: server.URL, MaxBatchSizeKB: 1})
	defer h.cleanup()

	// Padded so that two events plus their generated ids stay under 1KB
	// while three do not.
	for i := 0; i < 10; i++ {
		event := eventOfSizeKB(t, "", 0.45)
		event.ID = ""
		if err := h.pipeline.Track(context.Background(), event); err != nil {
			t.Fatalf("Track failed: %v", err)
		}
	}
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return h.pipeline.QueueDepth() == 0 }, "full drain")

	// Batches of 2 under a 1KB cap: one delivery per batch, oldest first.
	if n := requests.Load(); n != 5 {
		t.Errorf("expected 5 batch deliveries, got %d", n)
	}
}

func TestPeriodicTimerFlushes(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := setupTestPipeline(t, Options{Endpoint: server.URL, SyncingInterval: 20 * time.Millisecond})
	defer h.cleanup()

	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Track after start so only the timer can deliver it.
	time.Sleep(5 * time.Millisecond)
	if err := h.pipeline.Track(context.Background(), domain.TrackingEvent{Type: "click"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return h.pipeline.QueueDepth() == 0 }, "timer flush")
}

func TestTimerSurvivesCycleErrors(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	h := setupTestPipeline(t, Options{
		Endpoint:        server.URL,
		RetryAttempts:   1,
		SyncingInterval: 15 * time.Millisecond,
	})
	defer h.cleanup()

	if err := h.pipeline.Track(context.Background(), domain.TrackingEvent{Type: "click"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The failing batch must not stop the schedule: attempts keep coming.
	waitFor(t, 2*time.Second, func() bool { return requests.Load() >= 3 }, "timer kept firing after errors")
}

type fakePlugin struct {
	name     string
	dispatch Dispatch
	started  atomic.Int64
	stopped  atomic.Int64
}

func (f *fakePlugin) Name() string { return f.name }
func (f *fakePlugin) Start() error { f.started.Add(1); return nil }
func (f *fakePlugin) Stop() error  { f.stopped.Add(1); return nil }

func TestPluginLifecycle(t *testing.T) {
	h := setupTestPipeline(t, Options{Endpoint: "http://collector.local"})
	defer h.cleanup()

	plugin := &fakePlugin{name: "clicks"}
	err := h.pipeline.Use(func(dispatch Dispatch) Plugin {
		plugin.dispatch = dispatch
		return plugin
	})
	if err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	if plugin.started.Load() != 0 {
		t.Error("plugin must not start before the pipeline does")
	}

	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if plugin.started.Load() != 1 {
		t.Errorf("expected plugin started once, got %d", plugin.started.Load())
	}

	// The dispatch handed to the factory feeds Track.
	if err := plugin.dispatch(context.Background(), domain.TrackingEvent{Type: "click"}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if h.pipeline.QueueDepth() != 1 {
		t.Errorf("dispatched event not queued, depth=%d", h.pipeline.QueueDepth())
	}

	if err := h.pipeline.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if plugin.stopped.Load() != 1 {
		t.Errorf("expected plugin stopped once, got %d", plugin.stopped.Load())
	}
}

func TestPluginReRegistrationReplaces(t *testing.T) {
	h := setupTestPipeline(t, Options{})
	defer h.cleanup()

	first := &fakePlugin{name: "clicks"}
	second := &fakePlugin{name: "clicks"}

	_ = h.pipeline.Use(func(d Dispatch) Plugin { return first })
	_ = h.pipeline.Use(func(d Dispatch) Plugin { return second })

	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.pipeline.Stop()

	if first.started.Load() != 0 {
		t.Error("replaced plugin must not start")
	}
	if second.started.Load() != 1 {
		t.Errorf("replacement plugin should start once, got %d", second.started.Load())
	}
}

func TestConfigureMergesOptions(t *testing.T) {
	h := setupTestPipeline(t, Options{
		Endpoint:      "http://old.local",
		RetryAttempts: 3,
		GlobalContext: map[string]any{"app": "shop", "env": "prod"},
	})
	defer h.cleanup()

	h.pipeline.Configure(Options{
		Endpoint:      "http://new.local",
		GlobalContext: map[string]any{"env": "staging", "region": "eu"},
	})

	opts := h.pipeline.Options()
	if opts.Endpoint != "http://new.local" {
		t.Errorf("endpoint not replaced: %s", opts.Endpoint)
	}
	if opts.RetryAttempts != 3 {
		t.Errorf("untouched field must keep its value, got %d", opts.RetryAttempts)
	}
	// globalContext deep-merges, new keys win.
	if opts.GlobalContext["app"] != "shop" || opts.GlobalContext["env"] != "staging" || opts.GlobalContext["region"] != "eu" {
		t.Errorf("globalContext merge wrong: %v", opts.GlobalContext)
	}
}

func TestRequestTimeoutReachesSender(t *testing.T) {
	h := setupTestPipeline(t, Options{
		Endpoint:       "http://collector.local",
		RequestTimeout: 7 * time.Second,
	})
	defer h.cleanup()

	if got := h.pipeline.Sender().httpClient.Timeout; got != 7*time.Second {
		t.Errorf("configured request timeout not applied to sender, got %v", got)
	}
	if got := h.pipeline.Options().RequestTimeout; got != 7*time.Second {
		t.Errorf("options snapshot lost request timeout, got %v", got)
	}
}

func TestRequestTimeoutDefaults(t *testing.T) {
	h := setupTestPipeline(t, Options{Endpoint: "http://collector.local"})
	defer h.cleanup()

	if got := h.pipeline.Sender().httpClient.Timeout; got != 30*time.Second {
		t.Errorf("expected 30s default request timeout, got %v", got)
	}
}

func TestRestartAfterStop(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := setupTestPipeline(t, Options{Endpoint: server.URL})
	defer h.cleanup()

	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.pipeline.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := h.pipeline.Track(context.Background(), domain.TrackingEvent{Type: "click"}); err != nil {
		t.Fatalf("Track after stop should still queue durably: %v", err)
	}
	if res := h.pipeline.Flush(context.Background()); !res.Skipped {
		t.Error("flush after stop must be a no-op")
	}

	if err := h.pipeline.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return h.pipeline.QueueDepth() == 0 }, "post-restart drain")
}
