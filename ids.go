package hubz

import (
	"crypto/rand"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// TraceID is a 16 byte trace identifier rendered as lowercase hex.
type TraceID = trace.TraceID

// SpanID is an 8 byte span identifier rendered as lowercase hex.
type SpanID = trace.SpanID

// EventID identifies a captured event: 32 lowercase hex characters.
type EventID string

// NewTraceID returns a random, valid trace ID.
func NewTraceID() TraceID {
	var id TraceID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}

// NewSpanID returns a random, valid span ID.
func NewSpanID() SpanID {
	var id SpanID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}

// ParseTraceID parses 32 hex characters.
func ParseTraceID(s string) (TraceID, error) {
	return trace.TraceIDFromHex(s)
}

// ParseSpanID parses 16 hex characters.
func ParseSpanID(s string) (SpanID, error) {
	return trace.SpanIDFromHex(s)
}

func newEventID() EventID {
	return EventID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// idSource hands out IDs for one hub. A nil source generates directly.
type idSource struct {
	traces *IDPool[TraceID]
	spans  *IDPool[SpanID]
	once   sync.Once
}

func (s *idSource) init() {
	s.once.Do(func() {
		// Pool size scales with CPUs to balance contention.
		size := runtime.NumCPU() * 100
		s.traces = NewIDPool(size, NewTraceID)
		s.spans = NewIDPool(size, NewSpanID)
	})
}

func (s *idSource) traceID() TraceID {
	if s == nil {
		return NewTraceID()
	}
	s.init()
	if s.traces == nil {
		return NewTraceID()
	}
	return s.traces.Get()
}

func (s *idSource) spanID() SpanID {
	if s == nil {
		return NewSpanID()
	}
	s.init()
	if s.spans == nil {
		return NewSpanID()
	}
	return s.spans.Get()
}

// close stops the refill goroutines. A source never used stays unstarted.
func (s *idSource) close() {
	if s == nil {
		return
	}
	s.once.Do(func() {})
	if s.traces != nil {
		s.traces.Close()
		s.spans.Close()
	}
}
