package hubz

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zoobzio/hubz/envelope"
)

// CaptureHandler is called with every event handed to the transport.
type CaptureHandler func(event Event)

// handlerEntry is one registration. A nil types set matches every item
// type.
type handlerEntry struct {
	handler CaptureHandler
	types   map[envelope.ItemType]struct{}
	id      uint64
	async   bool
}

func (e *handlerEntry) matches(t envelope.ItemType) bool {
	if e.types == nil {
		return true
	}
	_, ok := e.types[t]
	return ok
}

// handlerRegistry holds the capture handlers of one client. Hubs cloned from
// the same client share it. Writers replace the handler slice under mu;
// captures read the current slice without locking.
//
//nolint:govet // Field order groups the lock-free read side first
type handlerRegistry struct {
	handlers     atomic.Pointer[[]*handlerEntry]
	panicHook    atomic.Pointer[func(handlerID uint64, r any)]
	workers      atomic.Pointer[workerPool]
	logger       *zap.Logger
	mu           sync.Mutex
	nextID       atomic.Uint64
	droppedCalls atomic.Uint64
}

// OnCapture registers a synchronous handler called after each capture on
// the capturing goroutine. With types given only events framed as one of
// those item types reach it, for example envelope.ItemEvent for errors.
func (h *Hub) OnCapture(handler CaptureHandler, types ...envelope.ItemType) uint64 {
	return h.client.handlers.register(handler, false, types)
}

// OnCaptureAsync registers a handler called on another goroutine, or on the
// worker pool once EnableWorkerPool ran. Types filter as for OnCapture.
func (h *Hub) OnCaptureAsync(handler CaptureHandler, types ...envelope.ItemType) uint64 {
	return h.client.handlers.register(handler, true, types)
}

// RemoveHandler removes a handler by ID.
func (h *Hub) RemoveHandler(id uint64) {
	h.client.handlers.remove(id)
}

// SetPanicHook sets a function to be called when a handler panics.
// Nil removes it.
func (h *Hub) SetPanicHook(hook func(handlerID uint64, r any)) {
	if hook == nil {
		h.client.handlers.panicHook.Store(nil)
		return
	}
	h.client.handlers.panicHook.Store(&hook)
}

// EnableWorkerPool creates a bounded worker pool for async handlers. Calls
// that find the pool queue full are dropped and counted.
func (h *Hub) EnableWorkerPool(workers, queueSize int) error {
	return h.client.handlers.enableWorkers(workers, queueSize)
}

// DroppedHandlerCalls returns the number of async handler calls dropped
// because the worker queue was full.
func (h *Hub) DroppedHandlerCalls() uint64 {
	return h.client.handlers.droppedCalls.Load()
}

func (r *handlerRegistry) register(handler CaptureHandler, async bool, types []envelope.ItemType) uint64 {
	if handler == nil {
		return 0
	}

	entry := &handlerEntry{handler: handler, id: r.nextID.Add(1), async: async}
	if len(types) > 0 {
		entry.types = make(map[envelope.ItemType]struct{}, len(types))
		for _, t := range types {
			entry.types[t] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := append(slices.Clone(r.snapshot()), entry)
	r.handlers.Store(&next)
	return entry.id
}

func (r *handlerRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snapshot()
	i := slices.IndexFunc(current, func(e *handlerEntry) bool { return e.id == id })
	if i < 0 {
		return
	}
	next := slices.Delete(slices.Clone(current), i, i+1)
	r.handlers.Store(&next)
}

// snapshot returns the current handlers in registration order. The slice
// is never modified in place.
func (r *handlerRegistry) snapshot() []*handlerEntry {
	if p := r.handlers.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *handlerRegistry) enableWorkers(workers, queueSize int) error {
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.workers.Load() != nil {
		return errors.New("worker pool already enabled")
	}

	pool := &workerPool{
		calls:   make(chan handlerCall, queueSize),
		stop:    make(chan struct{}),
		dropped: &r.droppedCalls,
		invoke:  r.safeCall,
	}
	pool.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.run()
	}
	r.workers.Store(pool)
	return nil
}

// execute hands event to every handler registered for itemType.
func (r *handlerRegistry) execute(event Event, itemType envelope.ItemType) {
	handlers := r.snapshot()
	if len(handlers) == 0 {
		return
	}
	workers := r.workers.Load()

	for _, entry := range handlers {
		if !entry.matches(itemType) {
			continue
		}
		switch {
		case !entry.async:
			r.safeCall(entry, event)
		case workers != nil:
			workers.submit(handlerCall{entry: entry, event: event})
		default:
			go r.safeCall(entry, event)
		}
	}
}

func (r *handlerRegistry) safeCall(entry *handlerEntry, event Event) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		r.logger.Error("Capture handler panicked",
			zap.Uint64("handler_id", entry.id),
			zap.String("event_id", string(event.EventID)),
			zap.Any("panic", rec),
		)
		if hook := r.panicHook.Load(); hook != nil {
			(*hook)(entry.id, rec)
		}
	}()
	entry.handler(event)
}

// close drops every handler and waits for in-flight async calls on the
// worker pool.
func (r *handlerRegistry) close() {
	r.mu.Lock()
	r.handlers.Store(nil)
	workers := r.workers.Swap(nil)
	r.mu.Unlock()

	if workers != nil {
		workers.shutdown()
	}
}

// handlerCall is one queued async invocation.
type handlerCall struct {
	entry *handlerEntry
	event Event
}

// workerPool runs async handler calls on a fixed number of goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	calls   chan handlerCall
	stop    chan struct{}
	dropped *atomic.Uint64
	invoke  func(*handlerEntry, Event)
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case call := <-w.calls:
			w.invoke(call.entry, call.event)
		case <-w.stop:
			return
		}
	}
}

func (w *workerPool) submit(call handlerCall) {
	select {
	case w.calls <- call:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
