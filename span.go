package hubz

import (
	"context"
	"sync"
	"time"
)

// spanCore is the state shared by Span and Transaction. The IDs in ctx are
// fixed at construction; every other field is guarded by mu.
//
//nolint:govet // Field order groups guarded state under mu
type spanCore struct {
	mu    sync.Mutex
	ctx   SpanContext
	start time.Time
	end   time.Time
	data  map[string]any
	err   error
}

// SetTag sets a tag on the span context.
func (c *spanCore) SetTag(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Tags == nil {
		c.ctx.Tags = make(map[string]string)
	}
	c.ctx.Tags[key] = value
}

// Tag returns a tag value.
func (c *spanCore) Tag(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.ctx.Tags[key]
	return value, ok
}

// SetData attaches an arbitrary value.
func (c *spanCore) SetData(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data == nil {
		c.data = make(map[string]any)
	}
	c.data[key] = value
}

// Data returns a copy of the attached values.
func (c *spanCore) Data() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyData(c.data)
}

// SetOperation renames the operation, for example "db.query".
func (c *spanCore) SetOperation(operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.Operation = operation
}

// SetDescription sets the free text detail shown next to the operation.
func (c *spanCore) SetDescription(description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.Description = description
}

// SetStatus records the outcome. Finish keeps it unless FinishWithStatus
// overrides it.
func (c *spanCore) SetStatus(status SpanStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.Status = status
}

// SetError attaches err. On finish it is associated with the span so a
// later capture of the same error finds this trace.
func (c *spanCore) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Err returns the attached error.
func (c *spanCore) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SpanContext returns a deep copy of the span context.
func (c *spanCore) SpanContext() SpanContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx.Copy()
}

// TraceID returns the trace ID.
func (c *spanCore) TraceID() TraceID {
	return c.ctx.TraceID
}

// SpanID returns the span ID.
func (c *spanCore) SpanID() SpanID {
	return c.ctx.SpanID
}

// ParentSpanID returns the parent span ID, zero for a root.
func (c *spanCore) ParentSpanID() SpanID {
	return c.ctx.ParentSpanID
}

// StartTimestamp returns when the span started.
func (c *spanCore) StartTimestamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start
}

// Timestamp returns when the span finished, zero while running.
func (c *spanCore) Timestamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.end
}

// IsFinished reports whether Finish ran.
func (c *spanCore) IsFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.end.IsZero()
}

// markFinished stamps end once. It returns false if the span was already
// finished, and the attached error otherwise.
func (c *spanCore) markFinished(now time.Time, status SpanStatus) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.end.IsZero() {
		return false, nil
	}
	c.end = now
	if status != "" {
		c.ctx.Status = status
	}
	return true, c.err
}

// Span is a timed unit of work inside a transaction.
// Safe for concurrent use by multiple goroutines.
type Span struct {
	spanCore
	txn *Transaction
}

// SpanOption configures a child span.
type SpanOption func(*spanConfig)

type spanConfig struct {
	tags        map[string]string
	start       time.Time
	description string
}

// WithDescription sets the span description.
func WithDescription(description string) SpanOption {
	return func(c *spanConfig) {
		c.description = description
	}
}

// WithSpanTag sets a tag at construction.
func WithSpanTag(key, value string) SpanOption {
	return func(c *spanConfig) {
		if c.tags == nil {
			c.tags = make(map[string]string)
		}
		c.tags[key] = value
	}
}

// WithStartTime overrides the start timestamp.
func WithStartTime(start time.Time) SpanOption {
	return func(c *spanConfig) {
		c.start = start
	}
}

// StartChild creates a span whose parent is s. A child of a finished span
// is still created and recorded.
func (s *Span) StartChild(operation string, opts ...SpanOption) *Span {
	return s.txn.newSpan(s.ctx.SpanID, operation, opts)
}

// Finish stamps the end time.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Span) Finish() {
	s.finish("")
}

// FinishWithStatus sets status and finishes. The status is ignored if the
// span was already finished.
func (s *Span) FinishWithStatus(status SpanStatus) {
	s.finish(status)
}

func (s *Span) finish(status SpanStatus) {
	first, err := s.markFinished(s.txn.clock.Now(), status)
	if !first || err == nil || s.txn.capturer == nil {
		return
	}
	s.txn.capturer.SetSpanContext(err, s)
}

// Transaction returns the owning transaction.
func (s *Span) Transaction() *Transaction {
	return s.txn
}

// TraceHeader renders the outbound trace header for this span using the
// transaction's sampling decision.
func (s *Span) TraceHeader() string {
	return formatTraceHeader(s.ctx.TraceID, s.ctx.SpanID, s.txn.Sampled())
}

// Context returns parent carrying the span.
func (s *Span) Context(parent context.Context) context.Context {
	return ContextWithSpan(parent, s)
}

// Record returns a serializable snapshot.
func (s *Span) Record() *SpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newSpanRecord(&s.spanCore)
}

func copyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
