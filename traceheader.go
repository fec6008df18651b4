package hubz

import (
	"errors"
	"fmt"
	"strings"
)

// TraceHeaderName is the HTTP header carrying the trace continuation.
const TraceHeaderName = "sentry-trace"

// ErrInvalidTraceHeader is returned for headers that are not
// "traceid-spanid[-sampled]".
var ErrInvalidTraceHeader = errors.New("invalid trace header")

// TraceParent is an inbound trace continuation.
type TraceParent struct {
	TraceID TraceID
	SpanID  SpanID
	Sampled Sampled
}

// formatTraceHeader renders "traceid-spanid" plus "-1" or "-0" when the
// sampling decision is known.
func formatTraceHeader(traceID TraceID, spanID SpanID, sampled Sampled) string {
	header := traceID.String() + "-" + spanID.String()
	switch sampled {
	case SampledTrue:
		header += "-1"
	case SampledFalse:
		header += "-0"
	}
	return header
}

// ParseTraceHeader parses a two or three field trace header. A missing
// sampled field leaves the decision undefined.
func ParseTraceHeader(header string) (TraceParent, error) {
	fields := strings.Split(strings.TrimSpace(header), "-")
	if len(fields) < 2 || len(fields) > 3 {
		return TraceParent{}, fmt.Errorf("%w: %q", ErrInvalidTraceHeader, header)
	}

	traceID, err := ParseTraceID(fields[0])
	if err != nil {
		return TraceParent{}, fmt.Errorf("%w: trace id: %v", ErrInvalidTraceHeader, err)
	}
	spanID, err := ParseSpanID(fields[1])
	if err != nil {
		return TraceParent{}, fmt.Errorf("%w: span id: %v", ErrInvalidTraceHeader, err)
	}

	parent := TraceParent{TraceID: traceID, SpanID: spanID}
	if len(fields) == 3 {
		switch fields[2] {
		case "1":
			parent.Sampled = SampledTrue
		case "0":
			parent.Sampled = SampledFalse
		default:
			return TraceParent{}, fmt.Errorf("%w: sampled flag %q", ErrInvalidTraceHeader, fields[2])
		}
	}
	return parent, nil
}
