package hubz

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/zoobzio/hubz/envelope"
)

// client is the state shared by a hub and every hub cloned from it.
//
//nolint:govet // Field order optimized for functionality over memory
type client struct {
	options   Options
	transport Transport
	logger    *zap.Logger
	clock     clockz.Clock
	ids       *idSource
	assoc     *associations
	random    func() float64
	handlers  handlerRegistry
	closeOnce sync.Once
}

// Hub coordinates capture. It applies sampling, owns a stack of scopes and
// routes finished transactions and events to the transport.
// Safe for concurrent use by multiple goroutines. Use Clone to give a
// goroutine its own scope stack.
type Hub struct {
	client *client
	stack  []*Scope
	mu     sync.RWMutex
}

// NewHub wires a hub around transport. A nil transport discards
// everything.
func NewHub(transport Transport, opts Options) (*Hub, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	assoc, err := newAssociations(opts.MaxAssociations)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		transport = noopTransport{}
	}

	logger := opts.logger()
	c := &client{
		options:   opts,
		transport: transport,
		logger:    logger,
		clock:     opts.clock(),
		ids:       &idSource{},
		assoc:     assoc,
		random:    rand.Float64,
	}
	c.handlers.logger = logger

	return &Hub{
		client: c,
		stack:  []*Scope{NewScope()},
	}, nil
}

// Options returns the options the hub was built with.
func (h *Hub) Options() Options {
	return h.client.options
}

// Transport returns the transport captures are handed to.
func (h *Hub) Transport() Transport {
	return h.client.transport
}

// StartTransaction samples and starts a transaction. Unless scope binding
// is disabled the transaction becomes current on the hub's scope. The
// returned context carries the hub and the transaction.
func (h *Hub) StartTransaction(ctx context.Context, name string, opts ...TransactionOption) (context.Context, *Transaction) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := transactionConfig{maxSpans: h.client.options.MaxSpans}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.capturer == nil {
		cfg.capturer = h
	}
	if cfg.clock == nil {
		cfg.clock = h.client.clock
	}
	cfg.ids = h.client.ids
	cfg.sampled = h.sample(ctx, name, &cfg)

	txn := newTransaction(name, &cfg)

	bind := !h.client.options.DisableScopeBinding
	if cfg.bind != nil {
		bind = *cfg.bind
	}
	if bind {
		scope := h.Scope()
		txn.scope.Store(scope)
		scope.SetTransaction(txn)
	}

	bundle := &contextBundle{hub: h, span: txn}
	return context.WithValue(ctx, bundleKey, bundle), txn
}

// CaptureTransaction frames a finished transaction and hands it to the
// transport. Transactions not sampled are dropped here. Either way the
// transaction stops being current on the scope it was bound to.
func (h *Hub) CaptureTransaction(txn *Transaction, hint *TraceContext) {
	if txn == nil {
		return
	}
	scope := txn.boundScope()
	if scope != nil {
		scope.clearTransaction(txn)
	}

	if txn.Sampled() != SampledTrue {
		h.client.logger.Debug("Dropping transaction not sampled",
			zap.String("transaction", txn.Name()),
			zap.Stringer("sampled", txn.Sampled()),
		)
		return
	}
	if scope == nil {
		scope = h.Scope()
	}
	h.send(transactionEvent(txn, scope, hint), envelope.ItemTransaction)
}

// CaptureException sends an error event for err. The event carries the
// trace of the span err was attached to, or else the scope's current
// transaction. Returns the event ID, empty if nothing was sent.
func (h *Hub) CaptureException(err error) EventID {
	if err == nil {
		return ""
	}
	return h.captureError(err, err.Error(), LevelError)
}

// CaptureMessage sends an informational event.
func (h *Hub) CaptureMessage(message string) EventID {
	return h.captureError(nil, message, LevelInfo)
}

func (h *Hub) captureError(err error, message, level string) EventID {
	scope := h.Scope()

	var span Spanner
	if err != nil {
		span = h.SpanForError(err)
	}
	if span == nil {
		if txn := scope.Transaction(); txn != nil {
			span = txn
		}
	}

	event := errorEvent(err, message, level, span, scope, h.client.clock.Now())
	return h.send(event, envelope.ItemEvent)
}

// SetSpanContext associates err with span so a later CaptureException of
// err, or of an error wrapping it, reports span's trace.
func (h *Hub) SetSpanContext(err error, span Spanner) {
	h.client.assoc.set(err, span)
}

// SpanForError returns the span associated with err or with an error it
// wraps. Nil if none is known or the entry was evicted.
func (h *Hub) SpanForError(err error) Spanner {
	if err == nil {
		return nil
	}
	return h.client.assoc.get(err)
}

func (h *Hub) send(event *Event, itemType envelope.ItemType) EventID {
	opts := h.client.options
	if event.Environment == "" {
		event.Environment = opts.Environment
	}
	if event.Release == "" {
		event.Release = opts.Release
	}
	if event.ServerName == "" {
		event.ServerName = opts.ServerName
	}

	payload, err := sonic.Marshal(event)
	if err != nil {
		h.client.logger.Warn("Failed to encode event",
			zap.String("event_id", string(event.EventID)),
			zap.Error(err),
		)
		return ""
	}

	env := envelope.New(envelope.Header{
		EventID: string(event.EventID),
		SentAt:  h.client.clock.Now().UTC(),
		DSN:     opts.Dsn,
	}, envelope.NewItem(itemType, payload))

	h.client.transport.Send(env)
	h.client.handlers.execute(*event, itemType)
	return event.EventID
}

// Scope returns the top of the scope stack.
func (h *Hub) Scope() *Scope {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stack[len(h.stack)-1]
}

// PushScope pushes a copy of the top scope and returns it.
func (h *Hub) PushScope() *Scope {
	h.mu.Lock()
	defer h.mu.Unlock()

	scope := h.stack[len(h.stack)-1].Clone()
	h.stack = append(h.stack, scope)
	return scope
}

// PopScope discards the top scope. The root scope is never popped.
func (h *Hub) PopScope() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.stack) > 1 {
		h.stack[len(h.stack)-1] = nil
		h.stack = h.stack[:len(h.stack)-1]
	}
}

// WithScope runs fn with a pushed scope and pops it afterwards, even if fn
// panics.
func (h *Hub) WithScope(fn func(scope *Scope)) {
	scope := h.PushScope()
	defer h.PopScope()
	fn(scope)
}

// ConfigureScope runs fn on the top scope.
func (h *Hub) ConfigureScope(fn func(scope *Scope)) {
	fn(h.Scope())
}

// Clone returns a hub sharing this hub's client with a copy of the top
// scope as its only scope.
func (h *Hub) Clone() *Hub {
	return &Hub{
		client: h.client,
		stack:  []*Scope{h.Scope().Clone()},
	}
}

// Flush waits until the transport delivered or dropped everything queued,
// or ctx is done. Returns false on timeout.
func (h *Hub) Flush(ctx context.Context) bool {
	return h.client.transport.Flush(ctx)
}

// Close drops capture handlers and stops the transport and the ID pools.
// Envelopes still queued are dropped; call Flush first to deliver them.
// Clones share the client, so closing any of them closes all.
// Safe to call multiple times.
func (h *Hub) Close() {
	h.client.closeOnce.Do(func() {
		h.client.handlers.close()
		h.client.transport.Close()
		h.client.ids.close()
		h.client.assoc.close()
		_ = h.client.logger.Sync()
	})
}
