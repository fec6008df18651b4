package hubz

import "context"

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "hubz"
)

// contextBundle holds the hub and the active span in one context value.
type contextBundle struct {
	hub  *Hub
	span Spanner
}

func bundleFrom(ctx context.Context) *contextBundle {
	if ctx == nil {
		return nil
	}
	bundle, _ := ctx.Value(bundleKey).(*contextBundle)
	return bundle
}

// ContextWithHub returns parent carrying hub. The active span, if any, is
// kept.
func ContextWithHub(parent context.Context, hub *Hub) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	bundle := &contextBundle{hub: hub}
	if prev := bundleFrom(parent); prev != nil {
		bundle.span = prev.span
	}
	return context.WithValue(parent, bundleKey, bundle)
}

// HubFromContext returns the hub carried by ctx, or nil.
func HubFromContext(ctx context.Context) *Hub {
	if bundle := bundleFrom(ctx); bundle != nil {
		return bundle.hub
	}
	return nil
}

// ContextWithSpan returns parent carrying span. The hub, if any, is kept.
func ContextWithSpan(parent context.Context, span Spanner) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	bundle := &contextBundle{span: span}
	if prev := bundleFrom(parent); prev != nil {
		bundle.hub = prev.hub
	}
	return context.WithValue(parent, bundleKey, bundle)
}

// SpanFromContext returns the active span or transaction, or nil.
func SpanFromContext(ctx context.Context) Spanner {
	if bundle := bundleFrom(ctx); bundle != nil {
		return bundle.span
	}
	return nil
}

// TransactionFromContext returns the transaction owning the active span,
// or nil.
func TransactionFromContext(ctx context.Context) *Transaction {
	return transactionOf(SpanFromContext(ctx))
}

// StartSpan starts a child of the span in ctx and returns a context
// carrying it. Without an active span it returns nil and ctx unchanged.
func StartSpan(ctx context.Context, operation string, opts ...SpanOption) (context.Context, *Span) {
	parent := SpanFromContext(ctx)
	if parent == nil {
		return ctx, nil
	}
	span := parent.StartChild(operation, opts...)
	return ContextWithSpan(ctx, span), span
}
