package reliability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/hubz"
	"github.com/zoobzio/hubz/envelope"
	"github.com/zoobzio/hubz/transport"
)

// switchSender answers 503 while failing is set and 200 otherwise. A
// non-nil gate holds every attempt until it is closed.
type switchSender struct {
	gate      chan struct{}
	failing   atomic.Bool
	attempts  atomic.Int64
	delivered atomic.Int64

	mu  sync.Mutex
	ids []string
}

func (s *switchSender) Send(ctx context.Context, env *envelope.Envelope) (*transport.Response, error) {
	s.attempts.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.failing.Load() {
		return &transport.Response{StatusCode: http.StatusServiceUnavailable}, nil
	}

	s.delivered.Add(int64(len(env.Items)))
	s.mu.Lock()
	s.ids = append(s.ids, env.Header.EventID)
	s.mu.Unlock()
	return &transport.Response{StatusCode: http.StatusOK}, nil
}

func (s *switchSender) deliveredIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

func testEnvelope(i int) *envelope.Envelope {
	return envelope.New(
		envelope.Header{EventID: fmt.Sprintf("%032x", i), SentAt: time.Now().UTC()},
		envelope.NewItem(envelope.ItemEvent, []byte(`{"message":"reliability"}`)),
	)
}

func flushWithin(t *testing.T, flusher interface{ Flush(context.Context) bool }, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if !flusher.Flush(ctx) {
		t.Fatalf("Flush did not complete within %v", d)
	}
}

// newHub builds a hub over tr sampling every transaction.
func newHub(t *testing.T, tr hubz.Transport) *hubz.Hub {
	t.Helper()
	hub, err := hubz.NewHub(tr, hubz.Options{TracesSampleRate: 1})
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}
	return hub
}
