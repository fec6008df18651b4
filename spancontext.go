package hubz

import "net/http"

// SpanStatus is the outcome of a span. The empty status means unset.
type SpanStatus string

// Span statuses.
const (
	SpanStatusOK                 SpanStatus = "ok"
	SpanStatusCancelled          SpanStatus = "cancelled"
	SpanStatusUnknown            SpanStatus = "unknown"
	SpanStatusInvalidArgument    SpanStatus = "invalid_argument"
	SpanStatusDeadlineExceeded   SpanStatus = "deadline_exceeded"
	SpanStatusNotFound           SpanStatus = "not_found"
	SpanStatusAlreadyExists      SpanStatus = "already_exists"
	SpanStatusPermissionDenied   SpanStatus = "permission_denied"
	SpanStatusResourceExhausted  SpanStatus = "resource_exhausted"
	SpanStatusFailedPrecondition SpanStatus = "failed_precondition"
	SpanStatusAborted            SpanStatus = "aborted"
	SpanStatusOutOfRange         SpanStatus = "out_of_range"
	SpanStatusUnimplemented      SpanStatus = "unimplemented"
	SpanStatusInternalError      SpanStatus = "internal_error"
	SpanStatusUnavailable        SpanStatus = "unavailable"
	SpanStatusDataLoss           SpanStatus = "data_loss"
	SpanStatusUnauthenticated    SpanStatus = "unauthenticated"
)

// SpanStatusFromHTTP maps an HTTP response code to a span status.
func SpanStatusFromHTTP(code int) SpanStatus {
	switch {
	case code < http.StatusBadRequest:
		return SpanStatusOK
	case code < http.StatusInternalServerError:
		switch code {
		case http.StatusUnauthorized:
			return SpanStatusUnauthenticated
		case http.StatusForbidden:
			return SpanStatusPermissionDenied
		case http.StatusNotFound:
			return SpanStatusNotFound
		case http.StatusConflict:
			return SpanStatusAlreadyExists
		case http.StatusRequestEntityTooLarge:
			return SpanStatusFailedPrecondition
		case http.StatusTooManyRequests:
			return SpanStatusResourceExhausted
		case 499:
			return SpanStatusCancelled
		default:
			return SpanStatusInvalidArgument
		}
	case code < 600:
		switch code {
		case http.StatusNotImplemented:
			return SpanStatusUnimplemented
		case http.StatusServiceUnavailable:
			return SpanStatusUnavailable
		case http.StatusGatewayTimeout:
			return SpanStatusDeadlineExceeded
		default:
			return SpanStatusInternalError
		}
	default:
		return SpanStatusUnknown
	}
}

// SpanContext is the identity and state shared by a span and the records
// built from it. A zero ParentSpanID means the span has no parent.
type SpanContext struct {
	Tags         map[string]string
	Operation    string
	Description  string
	Status       SpanStatus
	TraceID      TraceID
	SpanID       SpanID
	ParentSpanID SpanID
}

// Copy returns a deep copy.
func (c SpanContext) Copy() SpanContext {
	if c.Tags != nil {
		tags := make(map[string]string, len(c.Tags))
		for k, v := range c.Tags {
			tags[k] = v
		}
		c.Tags = tags
	}
	return c
}

// HasParent reports whether ParentSpanID is set.
func (c SpanContext) HasParent() bool {
	return c.ParentSpanID.IsValid()
}

// TraceContext is the "trace" entry of an event's contexts.
type TraceContext struct {
	Tags         map[string]string `json:"tags,omitempty"`
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Operation    string            `json:"op"`
	Description  string            `json:"description,omitempty"`
	Status       SpanStatus        `json:"status,omitempty"`
}

// TraceContext snapshots c for serialization.
func (c SpanContext) TraceContext() *TraceContext {
	tc := &TraceContext{
		TraceID:     c.TraceID.String(),
		SpanID:      c.SpanID.String(),
		Operation:   c.Operation,
		Description: c.Description,
		Status:      c.Status,
		Tags:        c.Copy().Tags,
	}
	if c.HasParent() {
		tc.ParentSpanID = c.ParentSpanID.String()
	}
	return tc
}
