package hubz

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// TestIDPoolBasicOperation tests basic ID pool functionality.
func TestIDPoolBasicOperation(t *testing.T) {
	pool := NewIDPool(10, func() int { return 7 })
	defer pool.Close()

	if id := pool.Get(); id != 7 {
		t.Errorf("Expected 7, got %d", id)
	}
}

// TestIDPoolEmpty tests behavior when pool is empty.
func TestIDPoolEmpty(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	factory := func() SpanID {
		mu.Lock()
		defer mu.Unlock()
		callCount++
		return SpanID{1}
	}

	// Very small pool that will be empty.
	pool := NewIDPool(1, factory)
	defer pool.Close()

	ids := make([]SpanID, 5)
	for i := range ids {
		ids[i] = pool.Get()
	}

	mu.Lock()
	finalCount := callCount
	mu.Unlock()
	if finalCount < 2 {
		t.Errorf("Expected factory to be called multiple times, got %d", finalCount)
	}

	for _, id := range ids {
		if id != (SpanID{1}) {
			t.Errorf("Expected %s, got %s", SpanID{1}, id)
		}
	}
}

// TestIDPoolConcurrentAccess tests concurrent access with real IDs.
func TestIDPoolConcurrentAccess(t *testing.T) {
	pool := NewIDPool(50, NewSpanID)
	defer pool.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[SpanID]struct{})
	numGoroutines := 10
	idsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < idsPerGoroutine; j++ {
				id := pool.Get()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != numGoroutines*idsPerGoroutine {
		t.Errorf("Expected %d unique IDs, got %d", numGoroutines*idsPerGoroutine, len(seen))
	}
}

// TestIDPoolCleanShutdown tests that pools shut down cleanly.
func TestIDPoolCleanShutdown(t *testing.T) {
	before := runtime.NumGoroutine()

	pool := NewIDPool(10, NewTraceID)
	pool.Close()

	// Give time for cleanup.
	time.Sleep(10 * time.Millisecond)

	after := runtime.NumGoroutine()
	if after > before {
		t.Errorf("Goroutine leak detected: %d -> %d", before, after)
	}

	// Multiple closes should be safe.
	pool.Close()

	// Get still works after close.
	if id := pool.Get(); !id.IsValid() {
		t.Error("Expected a valid ID after close")
	}
}

func TestIDSourceNilGeneratesDirectly(t *testing.T) {
	var src *idSource
	if !src.traceID().IsValid() {
		t.Error("Expected valid trace ID from nil source")
	}
	if !src.spanID().IsValid() {
		t.Error("Expected valid span ID from nil source")
	}
	src.close()
}

func TestIDSourceCloseWithoutUse(t *testing.T) {
	src := &idSource{}
	src.close()
	if src.traces != nil || src.spans != nil {
		t.Error("Expected pools to stay unstarted")
	}
	// Use after close falls back to direct generation.
	if !src.spanID().IsValid() {
		t.Error("Expected valid span ID after close")
	}
}
