package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"

	"github.com/zoobzio/hubz/envelope"
)

// Response is what the worker needs from a delivery attempt.
type Response struct {
	StatusCode int
	Header     http.Header
}

// Sender performs one delivery attempt. Errors wrapped with
// backoff.Permanent are never retried.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope) (*Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, env *envelope.Envelope) (*Response, error)

func (f SenderFunc) Send(ctx context.Context, env *envelope.Envelope) (*Response, error) {
	return f(ctx, env)
}

// HTTPOptions configures HTTPSender.
type HTTPOptions struct {
	// Timeout bounds one attempt including reading the response.
	Timeout time.Duration
	// CompressThreshold gzips bodies at least this large. Zero disables.
	CompressThreshold int
	// Client identifies the SDK in the auth header and User-Agent.
	Client string
	// HTTPClient replaces the pooled default.
	HTTPClient *http.Client
}

const (
	defaultHTTPTimeout       = 30 * time.Second
	defaultCompressThreshold = 1024
	defaultClientName        = "hubz/0.1.0"
	maxDrainBytes            = 16 << 10
)

// HTTPSender POSTs envelopes to the DSN's envelope endpoint. Each Send is a
// single attempt; scheduling further attempts belongs to the Transport.
type HTTPSender struct {
	client *retryablehttp.Client
	dsn    *DSN
	auth   string
	opts   HTTPOptions
}

// NewHTTPSender creates a sender for dsn.
func NewHTTPSender(dsn *DSN, opts HTTPOptions) *HTTPSender {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.CompressThreshold == 0 {
		opts.CompressThreshold = defaultCompressThreshold
	}
	if opts.Client == "" {
		opts.Client = defaultClientName
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}
	client.HTTPClient.Timeout = opts.Timeout

	return &HTTPSender{
		client: client,
		dsn:    dsn,
		auth:   dsn.AuthHeader(opts.Client),
		opts:   opts,
	}
}

func (s *HTTPSender) Send(ctx context.Context, env *envelope.Envelope) (*Response, error) {
	body, err := env.Encode()
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("encode envelope: %w", err))
	}

	compressed := false
	if s.opts.CompressThreshold > 0 && len(body) >= s.opts.CompressThreshold {
		if gz, err := gzipBytes(body); err == nil {
			body, compressed = gz, true
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.dsn.EnvelopeURL(), body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-sentry-envelope")
	req.Header.Set("User-Agent", s.opts.Client)
	req.Header.Set("X-Sentry-Auth", s.auth)
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	// With the passthrough handler a response can come back together with
	// the policy's error; the status code is what counts.
	resp, err := s.client.Do(req)
	if resp == nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRateLimited
	outcomeRetry
	outcomeTerminal
)

func (o outcome) String() string {
	switch o {
	case outcomeDelivered:
		return "delivered"
	case outcomeRateLimited:
		return "rate_limited"
	case outcomeRetry:
		return "retry"
	default:
		return "terminal"
	}
}

// classify maps an attempt result onto the delivery state machine. Every
// 5xx is retryable. Transport errors and the remaining codes follow
// retryablehttp's default policy: connection errors and timeouts are
// retryable, redirect, scheme and TLS failures are terminal.
func classify(resp *Response, err error) outcome {
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return outcomeTerminal
		}
		retry, _ := retryablehttp.DefaultRetryPolicy(context.Background(), nil, err)
		if retry {
			return outcomeRetry
		}
		return outcomeTerminal
	}
	if resp == nil {
		return outcomeRetry
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outcomeDelivered
	case resp.StatusCode == http.StatusTooManyRequests:
		return outcomeRateLimited
	case resp.StatusCode >= http.StatusInternalServerError:
		return outcomeRetry
	}

	retry, _ := retryablehttp.DefaultRetryPolicy(context.Background(), &http.Response{StatusCode: resp.StatusCode}, nil)
	if retry {
		return outcomeRetry
	}
	return outcomeTerminal
}
