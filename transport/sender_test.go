package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/hubz/envelope"
)

type capturedRequest struct {
	method string
	path   string
	header http.Header
	body   []byte
}

func newCaptureServer(t *testing.T, code int, respHeader http.Header) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	requests := make(chan capturedRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer zr.Close()
			body = zr
		}
		data, _ := io.ReadAll(body)
		requests <- capturedRequest{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: data}

		for k, v := range respHeader {
			w.Header()[k] = v
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func senderFor(t *testing.T, srv *httptest.Server, opts HTTPOptions) *HTTPSender {
	t.Helper()
	dsn, err := ParseDSN(strings.Replace(srv.URL, "://", "://pub@", 1) + "/42")
	require.NoError(t, err)
	return NewHTTPSender(dsn, opts)
}

func TestHTTPSenderPostsEnvelope(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusOK, nil)
	s := senderFor(t, srv, HTTPOptions{Client: "hubz/test"})

	env := txEnvelope("abc")
	resp, err := s.Send(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req := <-requests
	want, err := env.Encode()
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/api/42/envelope/", req.path)
	assert.Equal(t, "application/x-sentry-envelope", req.header.Get("Content-Type"))
	assert.Equal(t, "hubz/test", req.header.Get("User-Agent"))
	assert.Equal(t, "Sentry sentry_version=7, sentry_client=hubz/test, sentry_key=pub", req.header.Get("X-Sentry-Auth"))
	assert.Empty(t, req.header.Get("Content-Encoding"))
	assert.Equal(t, want, req.body)
}

func TestHTTPSenderCompressesLargeBodies(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusOK, nil)
	s := senderFor(t, srv, HTTPOptions{})

	env := envelope.New(envelope.Header{EventID: "big"},
		envelope.NewItem(envelope.ItemTransaction, bytes.Repeat([]byte("x"), 4096)))
	_, err := s.Send(context.Background(), env)
	require.NoError(t, err)

	req := <-requests
	want, _ := env.Encode()
	assert.Equal(t, "gzip", req.header.Get("Content-Encoding"))
	assert.Equal(t, want, req.body)
}

func TestHTTPSenderReturnsServerErrors(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusServiceUnavailable, http.Header{"Retry-After": []string{"5"}})
	s := senderFor(t, srv, HTTPOptions{})

	resp, err := s.Send(context.Background(), txEnvelope("a"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
	assert.Equal(t, outcomeRetry, classify(resp, err))
}

func TestHTTPSenderConnectionError(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusOK, nil)
	s := senderFor(t, srv, HTTPOptions{Timeout: time.Second})
	srv.Close()

	resp, err := s.Send(context.Background(), txEnvelope("a"))
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Equal(t, outcomeRetry, classify(resp, err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		err  error
		want outcome
	}{
		{"ok", &Response{StatusCode: 200}, nil, outcomeDelivered},
		{"accepted", &Response{StatusCode: 202}, nil, outcomeDelivered},
		{"too many", &Response{StatusCode: 429}, nil, outcomeRateLimited},
		{"unavailable", &Response{StatusCode: 503}, nil, outcomeRetry},
		{"internal", &Response{StatusCode: 500}, nil, outcomeRetry},
		{"not implemented", &Response{StatusCode: 501}, nil, outcomeRetry},
		{"bad gateway", &Response{StatusCode: 502}, nil, outcomeRetry},
		{"gateway timeout", &Response{StatusCode: 504}, nil, outcomeRetry},
		{"version not supported", &Response{StatusCode: 505}, nil, outcomeRetry},
		{"bad request", &Response{StatusCode: 400}, nil, outcomeTerminal},
		{"forbidden", &Response{StatusCode: 403}, nil, outcomeTerminal},
		{"network", nil, errors.New("connection reset"), outcomeRetry},
		{"permanent", nil, backoff.Permanent(errors.New("encode")), outcomeTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.resp, tt.err), tt.want.String())
		})
	}
}
