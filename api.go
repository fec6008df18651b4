// Package hubz is the instrumentation core of an error and performance
// monitoring client.
//
// hubz records transactions and their nested spans, decides once per
// transaction whether the trace is sampled, and hands finished
// transactions and captured errors to a bounded asynchronous transport.
// Caller goroutines never wait on the network.
//
// Core Components:
//   - Hub: Applies sampling, owns the scope stack, routes captures to the transport.
//   - Transaction: Root span holding the span recorder and the sampling decision.
//   - Span: A timed unit of work under a transaction.
//   - Scope: Current transaction, tags and user for one execution context.
//   - Collector: In-memory transport for tests and local inspection.
//
// Basic Usage:
//
//	hub, err := hubz.Init(hubz.Options{Dsn: dsn, TracesSampleRate: 0.2})
//	if err != nil {
//		return err
//	}
//	defer hub.Close()
//
//	ctx, txn := hub.StartTransaction(ctx, "GET /users")
//	defer txn.Finish()
//
//	span := txn.StartChild("db.query", hubz.WithDescription("SELECT * FROM users"))
//	span.SetTag("db.system", "postgres")
//	span.Finish()
//
// Thread Safety:
//
// Hub, Scope, Transaction and Span are safe for concurrent use. Any number
// of goroutines may call StartChild on the same transaction; every call is
// recorded exactly once.
//
// Context Propagation:
//
// StartTransaction returns a context carrying the hub and the transaction.
// SpanFromContext and HubFromContext read them back. A transaction handle
// may also be passed explicitly to worker goroutines.
//
// Resource Cleanup:
//
// Call hub.Flush(ctx) to wait for queued envelopes and hub.Close() to stop
// background goroutines.
package hubz

import "context"

// Spanner is implemented by *Span and *Transaction.
type Spanner interface {
	StartChild(operation string, opts ...SpanOption) *Span
	Finish()
	FinishWithStatus(status SpanStatus)
	SetTag(key, value string)
	SetData(key string, value any)
	SetError(err error)
	SpanContext() SpanContext
	TraceHeader() string
	Context(parent context.Context) context.Context
}

var (
	_ Spanner = (*Span)(nil)
	_ Spanner = (*Transaction)(nil)
)

// Sampled is the sampling decision of a transaction.
type Sampled int8

const (
	// SampledFalse drops the transaction client-side.
	SampledFalse Sampled = -1
	// SampledUndefined means no decision was made yet.
	SampledUndefined Sampled = 0
	// SampledTrue sends the transaction.
	SampledTrue Sampled = 1
)

// Bool reports whether the decision is true. Undefined counts as false.
func (s Sampled) Bool() bool {
	return s == SampledTrue
}

func (s Sampled) String() string {
	switch s {
	case SampledTrue:
		return "true"
	case SampledFalse:
		return "false"
	default:
		return "undefined"
	}
}

func sampledFromBool(b bool) Sampled {
	if b {
		return SampledTrue
	}
	return SampledFalse
}
