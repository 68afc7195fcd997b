package storage

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/n0needt0/goodies/eventpipe/internal/domain"
	"github.com/n0needt0/goodies/eventpipe/internal/retry"
)

func setupTestQueue(t *testing.T) (*Queue, string, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "eventpipe-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	path := filepath.Join(tmpDir, "queue.db")
	q := NewQueue(path)
	if err := q.Init(); err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to init queue: %v", err)
	}

	// The driver only applies pragmas in _pragma=name(value) form; a DSN
	// in the wrong syntax is dropped silently, so verify it took effect.
	var journalMode string
	if err := q.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to read journal_mode: %v", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		os.RemoveAll(tmpDir)
		t.Fatalf("expected WAL journaling, got %q", journalMode)
	}

	cleanup := func() {
		q.Close()
		os.RemoveAll(tmpDir)
	}
	return q, path, cleanup
}

func event(id string, ts int64) domain.TrackingEvent {
	return domain.TrackingEvent{
		ID:        id,
		Type:      "click",
		Timestamp: ts,
		Context:   map[string]any{"page": "/home"},
	}
}

func TestInitIsIdempotent(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()

	// Concurrent and repeated calls share one in-flight initialization.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Init(); err != nil {
				t.Errorf("Init failed: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestInitFailureSurfacesAsStorageUnavailable(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "eventpipe-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	// A directory is not a valid sqlite file.
	q := NewQueue(tmpDir)
	err = q.Init()
	if err == nil {
		t.Fatal("expected init error for unusable path")
	}
	if _, ok := err.(domain.StorageUnavailable); !ok {
		t.Errorf("expected StorageUnavailable, got %T: %v", err, err)
	}

	// The same failure is returned again, not silently swallowed.
	if again := q.Init(); again == nil {
		t.Error("expected repeated Init to keep failing")
	}
}

func TestAppendAndGetAll(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()

	events := []domain.TrackingEvent{
		event("a", 1000),
		event("b", 2000),
		event("c", 3000),
	}
	if err := q.Append(events); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := q.GetAll()
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, ev := range events {
		if got[i].Identity() != ev.Identity() {
			t.Errorf("event %d: expected identity %v, got %v", i, ev.Identity(), got[i].Identity())
		}
	}
	if got[0].Context["page"] != "/home" {
		t.Errorf("context not preserved: %v", got[0].Context)
	}
}

func TestSameIDDifferentTimestampAreDistinct(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()

	if err := q.Append([]domain.TrackingEvent{event("dup", 1000), event("dup", 2000)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := q.GetAll()
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 distinct events, got %d", len(got))
	}

	// Removing one identity leaves the other untouched.
	if err := q.Remove([]domain.TrackingEvent{event("dup", 1000)}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	got, _ = q.GetAll()
	if len(got) != 1 || got[0].Timestamp != 2000 {
		t.Errorf("expected only ts=2000 to remain, got %+v", got)
	}
}

func TestRemoveNonExistentIsNoOp(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()

	if err := q.Append([]domain.TrackingEvent{event("a", 1000)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := q.Remove([]domain.TrackingEvent{event("missing", 9999)}); err != nil {
		t.Fatalf("expected no-op remove, got %v", err)
	}

	n, err := q.Len()
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pending event, got %d", n)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	q, path, cleanup := setupTestQueue(t)
	defer cleanup()

	events := []domain.TrackingEvent{event("a", 1000), event("b", 2000)}
	if err := q.Append(events); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulated reload: a fresh queue over the same file sees every
	// previously tracked event exactly once.
	reopened := NewQueue(path)
	if err := reopened.Init(); err != nil {
		t.Fatalf("reopen Init failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetAll()
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events after reopen, got %d", len(got))
	}
	seen := map[domain.EventIdentity]int{}
	for _, ev := range got {
		seen[ev.Identity()]++
	}
	for _, ev := range events {
		if seen[ev.Identity()] != 1 {
			t.Errorf("event %v seen %d times", ev.Identity(), seen[ev.Identity()])
		}
	}
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func (r *recordingSleeper) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delays)
}

func TestAppendExhaustedRetriesSurfaceAsStorageWriteError(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()

	sleeper := &recordingSleeper{}
	q.SetRetryPolicy(retry.Policy{
		MaxAttempts: 3,
		Delay:       retry.Exponential(50 * time.Millisecond),
		Sleeper:     sleeper,
	})

	// Every write fails once the underlying handle is gone, so the whole
	// attempt budget is spent before the error surfaces.
	if err := q.db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err := q.Append([]domain.TrackingEvent{event("a", 1000)})
	if err == nil {
		t.Fatal("expected append to fail against a closed store")
	}
	if _, ok := err.(domain.StorageWriteError); !ok {
		t.Errorf("expected StorageWriteError, got %T: %v", err, err)
	}
	// Two sleeps separate three attempts; none after the last.
	if got := sleeper.count(); got != 2 {
		t.Errorf("expected 2 inter-attempt sleeps, got %d", got)
	}
	if sleeper.delays[0] != 50*time.Millisecond || sleeper.delays[1] != 100*time.Millisecond {
		t.Errorf("expected exponential delays [50ms 100ms], got %v", sleeper.delays)
	}
}

func TestRemoveExhaustedRetriesSurfaceAsStorageDeleteError(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()

	if err := q.Append([]domain.TrackingEvent{event("a", 1000)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	sleeper := &recordingSleeper{}
	q.SetRetryPolicy(retry.Policy{
		MaxAttempts: 2,
		Delay:       retry.Exponential(time.Millisecond),
		Sleeper:     sleeper,
	})

	if err := q.db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err := q.Remove([]domain.TrackingEvent{event("a", 1000)})
	if err == nil {
		t.Fatal("expected remove to fail against a closed store")
	}
	if _, ok := err.(domain.StorageDeleteError); !ok {
		t.Errorf("expected StorageDeleteError, got %T: %v", err, err)
	}
	if got := sleeper.count(); got != 1 {
		t.Errorf("expected 1 inter-attempt sleep, got %d", got)
	}
}

func TestAppendEmptyBatch(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()

	if err := q.Append(nil); err != nil {
		t.Fatalf("empty append should succeed: %v", err)
	}
	if err := q.Remove(nil); err != nil {
		t.Fatalf("empty remove should succeed: %v", err)
	}
}
