package hubz

import (
	"fmt"
	"reflect"
	"time"

	"github.com/bytedance/sonic"
)

// Event levels.
const (
	LevelError   = "error"
	LevelWarning = "warning"
	LevelInfo    = "info"
)

// Event types.
const (
	eventTypeTransaction = "transaction"
)

// Event is the JSON payload of an envelope item.
//
//nolint:govet // Field order follows the payload layout
type Event struct {
	EventID        EventID           `json:"event_id"`
	Type           string            `json:"type,omitempty"`
	Level          string            `json:"level,omitempty"`
	Message        string            `json:"message,omitempty"`
	Exception      []Exception       `json:"exception,omitempty"`
	Transaction    string            `json:"transaction,omitempty"`
	StartTimestamp *time.Time        `json:"start_timestamp,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Contexts       map[string]any    `json:"contexts,omitempty"`
	Spans          []*SpanRecord     `json:"spans,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	User           *User             `json:"user,omitempty"`
	Environment    string            `json:"environment,omitempty"`
	Release        string            `json:"release,omitempty"`
	ServerName     string            `json:"server_name,omitempty"`
	Platform       string            `json:"platform"`
}

// TraceContext returns the "trace" entry of Contexts, decoding it when the
// event was read back from JSON. Nil if absent.
func (e *Event) TraceContext() *TraceContext {
	switch v := e.Contexts[traceContextKey].(type) {
	case nil:
		return nil
	case *TraceContext:
		return v
	default:
		raw, err := sonic.Marshal(v)
		if err != nil {
			return nil
		}
		var tc TraceContext
		if err := sonic.Unmarshal(raw, &tc); err != nil {
			return nil
		}
		return &tc
	}
}

// Exception is one entry of an error chain, outermost first.
type Exception struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// SpanRecord is the serialized form of a span. Timestamp is nil for spans
// still running when the transaction was captured.
//
//nolint:govet // Field order follows the payload layout
type SpanRecord struct {
	TraceID        string            `json:"trace_id"`
	SpanID         string            `json:"span_id"`
	ParentSpanID   string            `json:"parent_span_id,omitempty"`
	Operation      string            `json:"op"`
	Description    string            `json:"description,omitempty"`
	Status         SpanStatus        `json:"status,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	Data           map[string]any    `json:"data,omitempty"`
	StartTimestamp time.Time         `json:"start_timestamp"`
	Timestamp      *time.Time        `json:"timestamp,omitempty"`
}

// newSpanRecord snapshots c. The caller holds c.mu.
func newSpanRecord(c *spanCore) *SpanRecord {
	r := &SpanRecord{
		TraceID:        c.ctx.TraceID.String(),
		SpanID:         c.ctx.SpanID.String(),
		Operation:      c.ctx.Operation,
		Description:    c.ctx.Description,
		Status:         c.ctx.Status,
		Tags:           c.ctx.Copy().Tags,
		Data:           copyData(c.data),
		StartTimestamp: c.start.UTC(),
	}
	if c.ctx.HasParent() {
		r.ParentSpanID = c.ctx.ParentSpanID.String()
	}
	if !c.end.IsZero() {
		end := c.end.UTC()
		r.Timestamp = &end
	}
	return r
}

// transactionEvent builds the payload of a finished transaction. The
// transaction's own tags come first; scope tags do not override them.
func transactionEvent(txn *Transaction, scope *Scope, hint *TraceContext) *Event {
	txn.mu.Lock()
	start := txn.start.UTC()
	end := txn.end
	name := txn.name
	tags := txn.ctx.Copy().Tags
	contexts := make(map[string]any, len(txn.contexts)+1)
	for k, v := range txn.contexts {
		contexts[k] = v
	}
	if _, ok := contexts[traceContextKey]; !ok {
		contexts[traceContextKey] = txn.ctx.TraceContext()
	}
	txn.mu.Unlock()

	if hint != nil {
		contexts[traceContextKey] = hint
	}
	if end.IsZero() {
		end = txn.clock.Now()
	}

	spans := txn.Spans()
	records := make([]*SpanRecord, 0, len(spans))
	for _, s := range spans {
		records = append(records, s.Record())
	}

	event := &Event{
		EventID:        newEventID(),
		Type:           eventTypeTransaction,
		Transaction:    name,
		StartTimestamp: &start,
		Timestamp:      end.UTC(),
		Contexts:       contexts,
		Spans:          records,
		Tags:           tags,
		Platform:       "go",
	}
	applyScope(event, scope)
	return event
}

// errorEvent builds an error event for err, tied to the trace of span when
// one is known.
func errorEvent(err error, message, level string, span Spanner, scope *Scope, now time.Time) *Event {
	event := &Event{
		EventID:   newEventID(),
		Level:     level,
		Message:   message,
		Timestamp: now.UTC(),
		Platform:  "go",
	}
	if err != nil {
		event.Exception = exceptionChain(err)
	}
	if span != nil {
		sc := span.SpanContext()
		event.Contexts = map[string]any{traceContextKey: sc.TraceContext()}
		if txn := transactionOf(span); txn != nil {
			event.Transaction = txn.Name()
		}
	}
	applyScope(event, scope)
	return event
}

func applyScope(event *Event, scope *Scope) {
	if scope == nil {
		return
	}
	for k, v := range scope.Tags() {
		if event.Tags == nil {
			event.Tags = make(map[string]string)
		}
		if _, ok := event.Tags[k]; !ok {
			event.Tags[k] = v
		}
	}
	if user := scope.User(); !user.IsEmpty() {
		event.User = &user
	}
}

// exceptionChain walks Unwrap from err outward to the root, outermost
// first, as the payload expects.
func exceptionChain(err error) []Exception {
	var chain []Exception
	for depth := 0; err != nil && depth < maxUnwrapDepth; depth++ {
		chain = append(chain, Exception{
			Type:  errorTypeName(err),
			Value: err.Error(),
		})
		err = unwrapOnce(err)
	}
	return chain
}

func errorTypeName(err error) string {
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return fmt.Sprintf("%T", err)
	}
	return t.PkgPath() + "." + t.Name()
}

func transactionOf(span Spanner) *Transaction {
	switch s := span.(type) {
	case *Transaction:
		return s
	case *Span:
		return s.txn
	default:
		return nil
	}
}
