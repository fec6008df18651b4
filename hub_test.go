package hubz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/hubz/envelope"
)

// newTestHub returns a hub delivering into a sync-mode collector.
func newTestHub(t *testing.T, opts Options) (*Hub, *Collector) {
	t.Helper()

	collector := NewCollector("test", 100)
	collector.SetSyncMode(true)

	hub, err := NewHub(collector, opts)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	t.Cleanup(hub.Close)
	return hub, collector
}

func TestHubStartTransactionBindsScope(t *testing.T) {
	hub, _ := newTestHub(t, Options{TracesSampleRate: 1})

	ctx, txn := hub.StartTransaction(context.Background(), "GET /")

	if hub.Scope().Transaction() != txn {
		t.Error("Expected transaction to be current on the scope")
	}
	if HubFromContext(ctx) != hub {
		t.Error("Expected context to carry the hub")
	}
	if TransactionFromContext(ctx) != txn {
		t.Error("Expected context to carry the transaction")
	}

	txn.Finish()
	if hub.Scope().Transaction() != nil {
		t.Error("Expected finish to clear the scope")
	}
}

func TestHubScopeBindingDisabled(t *testing.T) {
	hub, _ := newTestHub(t, Options{TracesSampleRate: 1, DisableScopeBinding: true})

	_, txn := hub.StartTransaction(context.Background(), "unbound")
	if hub.Scope().Transaction() != nil {
		t.Error("Expected no binding when disabled")
	}

	_, bound := hub.StartTransaction(context.Background(), "bound", BindToScope(true))
	if hub.Scope().Transaction() != bound {
		t.Error("Expected BindToScope(true) to override the option")
	}
	txn.Finish()
	if hub.Scope().Transaction() != bound {
		t.Error("Expected finishing an unbound transaction to leave the scope alone")
	}
}

func TestHubCaptureTransaction(t *testing.T) {
	hub, collector := newTestHub(t, Options{
		TracesSampleRate: 1,
		Environment:      "staging",
		Release:          "1.2.3",
		ServerName:       "web-1",
		Dsn:              "https://key@example.com/7",
	})
	hub.Scope().SetTag("region", "eu")
	hub.Scope().SetTag("tier", "scope")
	hub.Scope().SetUser(User{ID: "u1"})

	_, txn := hub.StartTransaction(context.Background(), "checkout")
	txn.SetTag("tier", "txn")
	span := txn.StartChild("db.query")
	span.Finish()
	txn.StartChild("cache.get") // still running at capture
	txn.FinishWithStatus(SpanStatusOK)

	events := collector.Transactions()
	if len(events) != 1 {
		t.Fatalf("Expected 1 transaction event, got %d", len(events))
	}

	envelopes := collector.Export()
	if len(envelopes) != 1 {
		t.Fatalf("Expected 1 envelope, got %d", len(envelopes))
	}
	env := envelopes[0]
	if len(env.Items) != 1 || env.Items[0].Type != envelope.ItemTransaction {
		t.Fatalf("Expected one transaction item, got %v", env.Types())
	}
	if env.Header.DSN != "https://key@example.com/7" {
		t.Errorf("Expected DSN in header, got %s", env.Header.DSN)
	}

	event := events[0]

	if string(event.EventID) != env.Header.EventID {
		t.Errorf("Expected header event ID %s, got %s", event.EventID, env.Header.EventID)
	}
	if event.Transaction != "checkout" {
		t.Errorf("Expected transaction 'checkout', got %s", event.Transaction)
	}
	if event.Environment != "staging" || event.Release != "1.2.3" || event.ServerName != "web-1" {
		t.Errorf("Unexpected options fields %+v", event)
	}
	if event.Tags["region"] != "eu" {
		t.Error("Expected scope tags merged")
	}
	if event.Tags["tier"] != "txn" {
		t.Errorf("Expected transaction tag to win, got %s", event.Tags["tier"])
	}
	if event.User == nil || event.User.ID != "u1" {
		t.Error("Expected scope user")
	}
	if len(event.Spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(event.Spans))
	}
	if event.Spans[0].Timestamp == nil || event.Spans[1].Timestamp != nil {
		t.Error("Expected the running span to carry no timestamp")
	}

	tc := event.TraceContext()
	if tc == nil {
		t.Fatal("Expected trace context")
	}
	if tc.TraceID != txn.TraceID().String() || tc.Status != SpanStatusOK || tc.Operation != "checkout" {
		t.Errorf("Unexpected trace context %+v", tc)
	}
}

func TestHubCaptureTransactionHint(t *testing.T) {
	hub, collector := newTestHub(t, Options{TracesSampleRate: 1})

	_, txn := hub.StartTransaction(context.Background(), "test", BindToScope(false))
	hub.CaptureTransaction(txn, &TraceContext{TraceID: "hinted", Operation: "hint"})

	events := collector.Transactions()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if tc := events[0].TraceContext(); tc == nil || tc.TraceID != "hinted" {
		t.Errorf("Expected hint to replace the trace context, got %+v", tc)
	}
}

func TestHubUnsampledTransactionIsDropped(t *testing.T) {
	hub, collector := newTestHub(t, Options{TracesSampleRate: 0})

	_, txn := hub.StartTransaction(context.Background(), "dropped")
	txn.StartChild("op").Finish()
	txn.Finish()

	if collector.Count() != 0 {
		t.Errorf("Expected no envelopes, got %d", collector.Count())
	}
	if hub.Scope().Transaction() != nil {
		t.Error("Expected scope cleared even when not sampled")
	}
}

func TestHubCaptureExceptionUsesAssociatedSpan(t *testing.T) {
	hub, collector := newTestHub(t, Options{TracesSampleRate: 1})

	_, txn := hub.StartTransaction(context.Background(), "work")
	span := txn.StartChild("step")

	cause := errors.New("disk full")
	span.SetError(cause)
	span.Finish()

	if hub.SpanForError(cause) != Spanner(span) {
		t.Fatal("Expected the error to be associated on finish")
	}

	id := hub.CaptureException(fmt.Errorf("save failed: %w", cause))
	if id == "" {
		t.Fatal("Expected an event ID")
	}

	events := collector.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	event := events[0]
	if event.EventID != id || event.Level != LevelError {
		t.Errorf("Unexpected event %+v", event)
	}
	if len(event.Exception) != 2 || event.Exception[1].Value != "disk full" {
		t.Errorf("Unexpected exception chain %+v", event.Exception)
	}
	tc := event.TraceContext()
	if tc == nil || tc.SpanID != span.SpanID().String() || tc.TraceID != txn.TraceID().String() {
		t.Errorf("Expected trace of the associated span, got %+v", tc)
	}
	if event.Transaction != "work" {
		t.Errorf("Expected transaction name 'work', got %s", event.Transaction)
	}
}

func TestHubCaptureExceptionFallsBackToScope(t *testing.T) {
	hub, collector := newTestHub(t, Options{TracesSampleRate: 1})

	_, txn := hub.StartTransaction(context.Background(), "request")
	hub.CaptureException(errors.New("unrelated"))

	events := collector.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if tc := events[0].TraceContext(); tc == nil || tc.SpanID != txn.SpanID().String() {
		t.Errorf("Expected trace of the scope transaction, got %+v", tc)
	}

	if hub.CaptureException(nil) != "" {
		t.Error("Expected nil error to be ignored")
	}
}

func TestHubCaptureMessage(t *testing.T) {
	hub, collector := newTestHub(t, Options{})
	hub.Scope().SetTag("k", "v")

	hub.CaptureMessage("hello")

	events := collector.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Message != "hello" || events[0].Level != LevelInfo {
		t.Errorf("Unexpected event %+v", events[0])
	}
	if events[0].Tags["k"] != "v" {
		t.Error("Expected scope tags on the event")
	}
	if events[0].TraceContext() != nil {
		t.Error("Expected no trace context without a transaction")
	}
}

func TestHubScopeStack(t *testing.T) {
	hub, _ := newTestHub(t, Options{})
	root := hub.Scope()
	root.SetTag("level", "root")

	pushed := hub.PushScope()
	if hub.Scope() != pushed {
		t.Error("Expected pushed scope on top")
	}
	pushed.SetTag("level", "child")
	if root.Tags()["level"] != "root" {
		t.Error("Expected child changes to stay in the child")
	}

	hub.PopScope()
	if hub.Scope() != root {
		t.Error("Expected root after pop")
	}

	hub.PopScope()
	if hub.Scope() != root {
		t.Error("Expected the root scope never to be popped")
	}

	hub.WithScope(func(scope *Scope) {
		scope.SetUser(User{ID: "inner"})
		if hub.Scope() != scope {
			t.Error("Expected WithScope scope on top")
		}
	})
	if !hub.Scope().User().IsEmpty() {
		t.Error("Expected WithScope changes discarded")
	}

	hub.ConfigureScope(func(scope *Scope) {
		scope.SetTag("configured", "yes")
	})
	if root.Tags()["configured"] != "yes" {
		t.Error("Expected ConfigureScope to change the top scope")
	}
}

func TestHubWithScopePopsOnPanic(t *testing.T) {
	hub, _ := newTestHub(t, Options{})
	root := hub.Scope()

	func() {
		defer func() { _ = recover() }()
		hub.WithScope(func(*Scope) {
			panic("boom")
		})
	}()

	if hub.Scope() != root {
		t.Error("Expected scope popped after a panic")
	}
}

func TestHubClone(t *testing.T) {
	hub, collector := newTestHub(t, Options{TracesSampleRate: 1})
	hub.Scope().SetTag("shared", "yes")

	clone := hub.Clone()
	clone.Scope().SetTag("clone", "only")

	if _, ok := hub.Scope().Tags()["clone"]; ok {
		t.Error("Expected clone scope to be independent")
	}
	if clone.Scope().Tags()["shared"] != "yes" {
		t.Error("Expected clone to inherit the top scope")
	}

	_, txn := clone.StartTransaction(context.Background(), "from clone")
	txn.Finish()
	if collector.Count() != 1 {
		t.Errorf("Expected clone to share the transport, got %d envelopes", collector.Count())
	}
}

func TestHubConcurrentTransactions(t *testing.T) {
	hub, collector := newTestHub(t, Options{TracesSampleRate: 1})

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			local := hub.Clone()
			_, txn := local.StartTransaction(context.Background(), fmt.Sprintf("txn-%d", n))
			for j := 0; j < 10; j++ {
				txn.StartChild("step").Finish()
			}
			txn.Finish()
		}(i)
	}
	wg.Wait()

	events := collector.Transactions()
	if len(events) != workers {
		t.Fatalf("Expected %d transactions, got %d", workers, len(events))
	}
	for _, event := range events {
		if len(event.Spans) != 10 {
			t.Errorf("Expected 10 spans in %s, got %d", event.Transaction, len(event.Spans))
		}
	}
}

func TestHubCaptureHandlers(t *testing.T) {
	hub, _ := newTestHub(t, Options{})

	var got []string
	id := hub.OnCapture(func(event Event) {
		got = append(got, event.Message)
	})
	if id == 0 {
		t.Fatal("Expected a handler ID")
	}
	if hub.OnCapture(nil) != 0 {
		t.Error("Expected nil handler to be ignored")
	}

	hub.CaptureMessage("first")
	hub.RemoveHandler(id)
	hub.CaptureMessage("second")

	if len(got) != 1 || got[0] != "first" {
		t.Errorf("Expected only 'first', got %v", got)
	}
}

func TestHubCaptureHandlersFilterByItemType(t *testing.T) {
	hub, _ := newTestHub(t, Options{TracesSampleRate: 1})

	var errorsSeen, transactionsSeen, allSeen []string
	hub.OnCapture(func(event Event) {
		errorsSeen = append(errorsSeen, event.Message)
	}, envelope.ItemEvent)
	hub.OnCapture(func(event Event) {
		transactionsSeen = append(transactionsSeen, event.Transaction)
	}, envelope.ItemTransaction)
	hub.OnCapture(func(event Event) {
		allSeen = append(allSeen, event.Type)
	})

	hub.CaptureMessage("disk full")
	_, txn := hub.StartTransaction(context.Background(), "checkout")
	txn.Finish()

	if len(errorsSeen) != 1 || errorsSeen[0] != "disk full" {
		t.Errorf("Expected only the message in the event handler, got %v", errorsSeen)
	}
	if len(transactionsSeen) != 1 || transactionsSeen[0] != "checkout" {
		t.Errorf("Expected only the transaction in the transaction handler, got %v", transactionsSeen)
	}
	if len(allSeen) != 2 {
		t.Errorf("Expected the unfiltered handler to see both, got %v", allSeen)
	}
}

func TestHubHandlerRemovedDuringCapture(t *testing.T) {
	hub, _ := newTestHub(t, Options{})

	var second int
	var firstID uint64
	firstID = hub.OnCapture(func(Event) {
		hub.RemoveHandler(firstID)
	})
	hub.OnCapture(func(Event) {
		second++
	})

	hub.CaptureMessage("one")
	hub.CaptureMessage("two")

	if second != 2 {
		t.Errorf("Expected the remaining handler to run twice, got %d", second)
	}
}

func TestHubHandlerPanicRecovered(t *testing.T) {
	hub, collector := newTestHub(t, Options{})

	var hookID atomic.Uint64
	hub.SetPanicHook(func(handlerID uint64, _ any) {
		hookID.Store(handlerID)
	})
	id := hub.OnCapture(func(Event) {
		panic("handler failure")
	})

	hub.CaptureMessage("still delivered")

	if hookID.Load() != id {
		t.Errorf("Expected panic hook for handler %d, got %d", id, hookID.Load())
	}
	if collector.Count() != 1 {
		t.Error("Expected the event to be delivered despite the panic")
	}
}

func TestHubAsyncHandlersWithWorkerPool(t *testing.T) {
	hub, _ := newTestHub(t, Options{})

	if err := hub.EnableWorkerPool(0, 10); err == nil {
		t.Error("Expected error for zero workers")
	}
	if err := hub.EnableWorkerPool(2, 0); err == nil {
		t.Error("Expected error for zero queue size")
	}
	if err := hub.EnableWorkerPool(2, 10); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := hub.EnableWorkerPool(2, 10); err == nil {
		t.Error("Expected error when enabling twice")
	}

	var wg sync.WaitGroup
	var calls atomic.Int64
	wg.Add(5)
	hub.OnCaptureAsync(func(Event) {
		calls.Add(1)
		wg.Done()
	})

	for i := 0; i < 5; i++ {
		hub.CaptureMessage("async")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for async handlers")
	}

	if calls.Load() != 5 {
		t.Errorf("Expected 5 calls, got %d", calls.Load())
	}
	if hub.DroppedHandlerCalls() != 0 {
		t.Errorf("Expected no drops, got %d", hub.DroppedHandlerCalls())
	}
}

func TestHubWorkerPoolDropsWhenFull(t *testing.T) {
	hub, _ := newTestHub(t, Options{})
	if err := hub.EnableWorkerPool(1, 1); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	release := make(chan struct{})
	hub.OnCaptureAsync(func(Event) {
		<-release
	})

	for i := 0; i < 10; i++ {
		hub.CaptureMessage("flood")
	}
	close(release)

	// One call runs, one waits in the queue, the rest are dropped.
	if dropped := hub.DroppedHandlerCalls(); dropped < 8 {
		t.Errorf("Expected at least 8 dropped calls, got %d", dropped)
	}
}

func TestHubCloseIsIdempotent(t *testing.T) {
	collector := NewCollector("test", 10)
	hub, err := NewHub(collector, Options{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	hub.Close()
	hub.Close()

	// Captures after close are dropped by the transport.
	hub.CaptureMessage("late")
	if collector.Count() != 0 {
		t.Error("Expected nothing buffered after close")
	}
	if collector.DroppedCount() != 1 {
		t.Errorf("Expected 1 dropped envelope, got %d", collector.DroppedCount())
	}
}

func TestNewHubRejectsInvalidOptions(t *testing.T) {
	if _, err := NewHub(nil, Options{TracesSampleRate: 2}); !errors.Is(err, ErrInvalidSampleRate) {
		t.Errorf("Expected ErrInvalidSampleRate, got %v", err)
	}
	if _, err := NewHub(nil, Options{QueueOverflow: "sideways"}); err == nil {
		t.Error("Expected error for unknown overflow policy")
	}

	hub, err := NewHub(nil, Options{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer hub.Close()
	if !hub.Flush(context.Background()) {
		t.Error("Expected no-op transport to flush immediately")
	}
}
