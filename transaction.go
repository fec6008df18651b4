package hubz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// Capturer receives finished transactions and error associations. *Hub
// implements it.
type Capturer interface {
	CaptureTransaction(txn *Transaction, hint *TraceContext)
	SetSpanContext(err error, span Spanner)
}

// traceContextKey is the distinguished entry of Contexts.
const traceContextKey = "trace"

// Transaction is the root span of a trace. It records every child span
// started on it, carries the sampling decision and delivers itself to its
// Capturer on finish.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order groups immutable fields before guarded ones
type Transaction struct {
	spanCore

	clock    clockz.Clock
	ids      *idSource
	capturer Capturer
	sampled  Sampled
	maxSpans int

	recorder spanRecorder
	scope    atomic.Pointer[Scope]

	// name and contexts are guarded by spanCore.mu.
	name     string
	contexts map[string]any
}

// TransactionOption configures NewTransaction and Hub.StartTransaction.
type TransactionOption func(*transactionConfig)

//nolint:govet // Field order follows option declaration order
type transactionConfig struct {
	spanContext *SpanContext
	parent      *TraceParent
	sampled     Sampled
	capturer    Capturer
	clock       clockz.Clock
	ids         *idSource
	start       time.Time
	maxSpans    int
	bind        *bool
	description string
}

// WithSpanContext uses sc as the transaction's own context. Missing IDs are
// generated; an empty operation defaults to the transaction name.
func WithSpanContext(sc SpanContext) TransactionOption {
	return func(c *transactionConfig) {
		cp := sc.Copy()
		c.spanContext = &cp
	}
}

// WithSampled fixes the sampling decision.
func WithSampled(sampled bool) TransactionOption {
	return func(c *transactionConfig) {
		c.sampled = sampledFromBool(sampled)
	}
}

// WithCapturer sets where the finished transaction is delivered.
func WithCapturer(capturer Capturer) TransactionOption {
	return func(c *transactionConfig) {
		c.capturer = capturer
	}
}

// WithClock sets the time source for the transaction and its spans.
func WithClock(clock clockz.Clock) TransactionOption {
	return func(c *transactionConfig) {
		c.clock = clock
	}
}

// WithTransactionStart overrides the start timestamp.
func WithTransactionStart(start time.Time) TransactionOption {
	return func(c *transactionConfig) {
		c.start = start
	}
}

// WithTransactionDescription sets the root description.
func WithTransactionDescription(description string) TransactionOption {
	return func(c *transactionConfig) {
		c.description = description
	}
}

// WithMaxSpans caps recorded child spans. Spans past the cap are still
// returned to callers but not recorded.
func WithMaxSpans(n int) TransactionOption {
	return func(c *transactionConfig) {
		c.maxSpans = n
	}
}

// ContinueFrom continues an inbound trace: same trace ID, parent span ID
// and, when known, the upstream sampling decision.
func ContinueFrom(parent TraceParent) TransactionOption {
	return func(c *transactionConfig) {
		p := parent
		c.parent = &p
	}
}

// ContinueFromHeader parses a trace header and continues from it. An
// unparsable header starts a fresh trace.
func ContinueFromHeader(header string) TransactionOption {
	return func(c *transactionConfig) {
		if parent, err := ParseTraceHeader(header); err == nil {
			c.parent = &parent
		}
	}
}

// BindToScope controls whether Hub.StartTransaction makes the transaction
// current on the hub's scope. It has no effect on NewTransaction.
func BindToScope(bind bool) TransactionOption {
	return func(c *transactionConfig) {
		c.bind = &bind
	}
}

func withIDs(ids *idSource) TransactionOption {
	return func(c *transactionConfig) {
		c.ids = ids
	}
}

// NewTransaction creates a transaction. The sampling decision stays
// undefined unless WithSampled or an inbound continuation fixes it.
func NewTransaction(name string, opts ...TransactionOption) *Transaction {
	cfg := transactionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newTransaction(name, &cfg)
}

func newTransaction(name string, cfg *transactionConfig) *Transaction {
	if cfg.clock == nil {
		cfg.clock = clockz.RealClock
	}

	var sc SpanContext
	if cfg.spanContext != nil {
		sc = *cfg.spanContext
	}
	if cfg.parent != nil {
		sc.TraceID = cfg.parent.TraceID
		sc.ParentSpanID = cfg.parent.SpanID
		if cfg.sampled == SampledUndefined {
			cfg.sampled = cfg.parent.Sampled
		}
	}
	if !sc.TraceID.IsValid() {
		sc.TraceID = cfg.ids.traceID()
	}
	if !sc.SpanID.IsValid() {
		sc.SpanID = cfg.ids.spanID()
	}
	if sc.Operation == "" {
		sc.Operation = name
	}
	if cfg.description != "" {
		sc.Description = cfg.description
	}

	start := cfg.start
	if start.IsZero() {
		start = cfg.clock.Now()
	}

	t := &Transaction{
		clock:    cfg.clock,
		ids:      cfg.ids,
		capturer: cfg.capturer,
		sampled:  cfg.sampled,
		maxSpans: cfg.maxSpans,
		name:     name,
		contexts: make(map[string]any),
	}
	t.ctx = sc
	t.start = start
	return t
}

// Name returns the exposed transaction name.
func (t *Transaction) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// SetName changes the name. The operation is left as is.
func (t *Transaction) SetName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
}

// Sampled returns the sampling decision.
func (t *Transaction) Sampled() Sampled {
	return t.sampled
}

// StartChild creates a span whose parent is the transaction.
func (t *Transaction) StartChild(operation string, opts ...SpanOption) *Span {
	return t.newSpan(t.ctx.SpanID, operation, opts)
}

func (t *Transaction) newSpan(parent SpanID, operation string, opts []SpanOption) *Span {
	cfg := spanConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	start := cfg.start
	if start.IsZero() {
		start = t.clock.Now()
	}

	s := &Span{txn: t}
	s.ctx = SpanContext{
		TraceID:      t.ctx.TraceID,
		SpanID:       t.ids.spanID(),
		ParentSpanID: parent,
		Operation:    operation,
		Description:  cfg.description,
		Tags:         cfg.tags,
	}
	s.start = start

	t.recorder.record(s, t.maxSpans)
	return s
}

// Spans returns the recorded child spans in insertion order.
func (t *Transaction) Spans() []*Span {
	return t.recorder.snapshot()
}

// SpanCount returns the number of recorded child spans.
func (t *Transaction) SpanCount() int {
	return t.recorder.len()
}

// DroppedSpans counts children not recorded because of WithMaxSpans.
func (t *Transaction) DroppedSpans() int64 {
	return t.recorder.dropped.Load()
}

// Finish stamps the end time, snapshots the trace context and delivers the
// transaction to its capturer.
// Safe to call multiple times - subsequent calls are no-ops.
func (t *Transaction) Finish() {
	t.finish("")
}

// FinishWithStatus sets status and finishes.
func (t *Transaction) FinishWithStatus(status SpanStatus) {
	t.finish(status)
}

func (t *Transaction) finish(status SpanStatus) {
	first, err := t.markFinished(t.clock.Now(), status)
	if !first {
		return
	}
	t.SyncTraceContext()

	if t.capturer == nil {
		return
	}
	if err != nil {
		t.capturer.SetSpanContext(err, t)
	}
	t.capturer.CaptureTransaction(t, nil)
}

// SyncTraceContext refreshes contexts["trace"] from the current span
// context. Finish does this once; call it again after later mutations.
func (t *Transaction) SyncTraceContext() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contexts[traceContextKey] = t.ctx.TraceContext()
}

// TraceContext returns a copy of the last snapshot, nil before finish.
func (t *Transaction) TraceContext() *TraceContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	tc, ok := t.contexts[traceContextKey].(*TraceContext)
	if !ok {
		return nil
	}
	cp := *tc
	cp.Tags = SpanContext{Tags: tc.Tags}.Copy().Tags
	return &cp
}

// SetContext stores a structured context. The "trace" key is owned by
// Finish and SyncTraceContext and cannot be set here.
func (t *Transaction) SetContext(key string, value any) {
	if key == traceContextKey {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contexts[key] = value
}

// Contexts returns a shallow copy of the contexts map. It is never nil.
func (t *Transaction) Contexts() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]any, len(t.contexts))
	for k, v := range t.contexts {
		out[k] = v
	}
	return out
}

// TraceHeader renders the outbound trace header for the transaction.
func (t *Transaction) TraceHeader() string {
	return formatTraceHeader(t.ctx.TraceID, t.ctx.SpanID, t.sampled)
}

// Context returns parent carrying the transaction.
func (t *Transaction) Context(parent context.Context) context.Context {
	return ContextWithSpan(parent, t)
}

// boundScope is the scope this transaction was made current on, if any.
func (t *Transaction) boundScope() *Scope {
	return t.scope.Load()
}

// spanRecorder holds the spans of one transaction in insertion order.
// Safe for concurrent use.
type spanRecorder struct {
	mu      sync.Mutex
	spans   []*Span
	dropped atomic.Int64
}

// record appends s unless limit is positive and reached.
func (r *spanRecorder) record(s *Span, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit > 0 && len(r.spans) >= limit {
		r.dropped.Add(1)
		return
	}
	r.spans = append(r.spans, s)
}

func (r *spanRecorder) snapshot() []*Span {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.spans) == 0 {
		return nil
	}
	out := make([]*Span, len(r.spans))
	copy(out, r.spans)
	return out
}

func (r *spanRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spans)
}
