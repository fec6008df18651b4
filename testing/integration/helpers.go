// Package integration exercises hubz end to end, from span creation to
// delivery through the HTTP transport.
package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/hubz"
	"github.com/zoobzio/hubz/envelope"
)

// Harness is a hub delivering into a sync-mode collector.
type Harness struct {
	Hub       *hubz.Hub
	Collector *hubz.Collector
}

// NewHarness builds a harness sampling every transaction unless opts says
// otherwise.
func NewHarness(t *testing.T, opts hubz.Options) *Harness {
	t.Helper()

	collector := hubz.NewCollector(t.Name(), 1000)
	collector.SetSyncMode(true)

	hub, err := hubz.NewHub(collector, opts)
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	return &Harness{Hub: hub, Collector: collector}
}

// Transactions returns the captured transaction events.
func (h *Harness) Transactions() []hubz.Event {
	return h.Collector.Transactions()
}

// TransactionNamed returns the captured transaction called name.
func (h *Harness) TransactionNamed(t *testing.T, name string) hubz.Event {
	t.Helper()
	for _, event := range h.Transactions() {
		if event.Transaction == name {
			return event
		}
	}
	require.Failf(t, "transaction not captured", "no transaction named %q", name)
	return hubz.Event{}
}

// IngestServer is a fake ingestion endpoint that decodes every envelope it
// receives. Respond chooses the reply per request; nil means 200.
//
//nolint:govet // Field alignment optimized for test helper readability
type IngestServer struct {
	*httptest.Server
	Respond   func(n int, w http.ResponseWriter) bool
	envelopes []*envelope.Envelope
	requests  int
	mu        sync.Mutex
}

// NewIngestServer starts a server closed on test cleanup.
func NewIngestServer(t *testing.T) *IngestServer {
	t.Helper()

	s := &IngestServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *IngestServer) handle(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	n := s.requests
	s.requests++
	respond := s.Respond
	s.mu.Unlock()

	if respond != nil && respond(n, w) {
		return
	}

	env, err := envelope.Decode(data)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.envelopes = append(s.envelopes, env)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// DSN returns a DSN pointing at the server for project 1.
func (s *IngestServer) DSN() string {
	return strings.Replace(s.URL, "http://", "http://public@", 1) + "/1"
}

// Envelopes returns the accepted envelopes.
func (s *IngestServer) Envelopes() []*envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*envelope.Envelope, len(s.envelopes))
	copy(out, s.envelopes)
	return out
}

// Requests returns the number of requests seen, accepted or not.
func (s *IngestServer) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Flush flushes hub with a deadline and fails the test on timeout.
func Flush(t *testing.T, hub *hubz.Hub) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, hub.Flush(ctx), "flush timed out")
}
