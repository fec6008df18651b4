// Package transport delivers envelopes off the calling goroutines.
//
// Send pushes onto a bounded queue and returns immediately. One worker
// goroutine owns everything after that: rate limit waits, delivery
// attempts, backoff, the offline store. Per envelope the states are
//
//	Enqueued -> RateLimitedWait -> Sending -> Delivered | Retrying | Dropped
//
// Nothing here returns an error to the caller of Send. Drops are counted
// in Metrics and DroppedCount.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zoobzio/hubz/envelope"
)

// OverflowPolicy decides what Send does when the queue is full.
type OverflowPolicy int

const (
	// DropNewest discards the envelope being sent.
	DropNewest OverflowPolicy = iota
	// DropOldest discards the head of the queue to make room.
	DropOldest
	// Block waits for room. The caller never waits on network I/O, only on
	// queue space.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return "drop_newest"
	}
}

// ParseOverflowPolicy accepts drop_newest, drop_oldest or block.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_newest", "dropnewest":
		return DropNewest, nil
	case "drop_oldest", "dropoldest":
		return DropOldest, nil
	case "block", "block_caller", "blockcaller":
		return Block, nil
	default:
		return DropNewest, fmt.Errorf("transport: unknown overflow policy %q", s)
	}
}

// Defaults applied by New.
const (
	DefaultQueueSize      = 100
	DefaultMaxRetries     = 3
	DefaultSendTimeout    = 30 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second

	replayBatch = 10
)

// Config tunes a Transport. Zero values take the defaults above.
type Config struct {
	QueueSize int
	// MaxRetries caps retry attempts after the first failure. Negative
	// disables retries.
	MaxRetries     int
	Overflow       OverflowPolicy
	SendTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// BatchSize > 1 merges the items of up to BatchSize queued envelopes
	// into one request.
	BatchSize int
	// SendRate limits requests per second. Zero is unlimited.
	SendRate rate.Limit
	// Store receives envelopes that exhausted their retries.
	Store   Store
	Clock   clockz.Clock
	Logger  *zap.Logger
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = DefaultMaxBackoff
		if c.MaxBackoff < c.InitialBackoff {
			c.MaxBackoff = c.InitialBackoff
		}
	}
	if c.Clock == nil {
		c.Clock = clockz.RealClock
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics, _ = NewMetrics(nil)
	}
	return c
}

type job struct {
	env        *envelope.Envelope
	categories []Category
	weight     int
	bo         backoff.BackOff
	readyAt    time.Time
	attempts   int
}

// Transport is the bounded asynchronous delivery pipeline.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order groups worker-owned state
type Transport struct {
	sender  Sender
	cfg     Config
	clock   clockz.Clock
	logger  *zap.Logger
	metrics *Metrics
	limits  *Limits
	limiter *rate.Limiter

	queue  chan *job
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Int64

	mu          sync.Mutex
	outstanding int
	idle        chan struct{}

	// pending is owned by the worker goroutine.
	pending []*job
}

// New starts a transport delivering through sender.
func New(sender Sender, cfg Config) *Transport {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	idle := make(chan struct{})
	close(idle)

	t := &Transport{
		sender:  sender,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		limits:  NewLimits(cfg.Clock),
		queue:   make(chan *job, cfg.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		idle:    idle,
	}
	if cfg.SendRate > 0 {
		t.limiter = rate.NewLimiter(cfg.SendRate, 1)
	}
	go t.run()
	return t
}

// Send enqueues env. It never waits on network I/O. Items whose category
// is currently rate limited are dropped here without being queued.
func (t *Transport) Send(env *envelope.Envelope) {
	if env == nil || len(env.Items) == 0 {
		return
	}
	if t.closed.Load() {
		t.countDrop(ReasonQueueClosed, categoriesOf(env.Items), len(env.Items))
		return
	}
	if env = t.filterLimited(env); env == nil {
		return
	}

	j := &job{
		env:        env,
		categories: categoriesOf(env.Items),
		weight:     1,
		bo:         t.newBackOff(),
	}
	t.begin(j.weight)
	t.enqueue(j)
}

func (t *Transport) enqueue(j *job) {
	defer t.metrics.QueueDepth.Set(float64(len(t.queue)))

	switch t.cfg.Overflow {
	case Block:
		select {
		case t.queue <- j:
		case <-t.stop:
			t.discard(j, ReasonQueueClosed)
		}
	case DropOldest:
		for {
			select {
			case t.queue <- j:
				return
			default:
			}
			select {
			case old := <-t.queue:
				t.discard(old, ReasonQueueOverflow)
			default:
			}
		}
	default:
		select {
		case t.queue <- j:
		default:
			t.discard(j, ReasonQueueOverflow)
		}
	}
}

// filterLimited removes rate limited items. Returns nil if none remain.
func (t *Transport) filterLimited(env *envelope.Envelope) *envelope.Envelope {
	kept := make([]*envelope.Item, 0, len(env.Items))
	var limited []Category
	for _, item := range env.Items {
		c := CategoryFor(item.Type)
		if t.limits.IsLimited(c) {
			limited = append(limited, c)
			continue
		}
		kept = append(kept, item)
	}
	if len(limited) == 0 {
		return env
	}

	t.countDrop(ReasonRateLimitBackoff, limited, len(limited))
	t.logger.Debug("Dropped rate limited items",
		zap.Int("items", len(limited)),
		zap.String("event_id", env.Header.EventID),
	)
	if len(kept) == 0 {
		return nil
	}
	return env.WithItems(kept)
}

// Flush blocks until every accepted envelope has reached a final state or
// ctx is done. Returns false on timeout.
func (t *Transport) Flush(ctx context.Context) bool {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	// Idle wins over a stopped worker.
	select {
	case <-idle:
		return true
	default:
	}

	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}
}

// Close stops the worker. Envelopes still queued or waiting are dropped;
// call Flush first to deliver them.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()
		close(t.stop)
		<-t.done
	})
}

// IsRateLimited reports whether c is inside a server-imposed window.
func (t *Transport) IsRateLimited(c Category) bool {
	return t.limits.IsLimited(c)
}

// Limits exposes the rate limit state.
func (t *Transport) Limits() *Limits {
	return t.limits
}

// DroppedCount returns the number of items dropped for any reason.
func (t *Transport) DroppedCount() int64 {
	return t.dropped.Load()
}

func (t *Transport) begin(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outstanding == 0 {
		t.idle = make(chan struct{})
	}
	t.outstanding += n
}

func (t *Transport) end(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outstanding == 0 {
		return
	}
	t.outstanding -= n
	if t.outstanding <= 0 {
		t.outstanding = 0
		close(t.idle)
	}
}

func (t *Transport) countDrop(reason string, categories []Category, items int) {
	t.metrics.discard(reason, categories)
	t.dropped.Add(int64(items))
}

func (t *Transport) discard(j *job, reason string) {
	t.countDrop(reason, j.categories, len(j.env.Items))
	t.logger.Debug("Dropped envelope",
		zap.String("reason", reason),
		zap.String("event_id", j.env.Header.EventID),
		zap.Int("attempts", j.attempts),
	)
	t.end(j.weight)
}

func (t *Transport) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     t.cfg.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         t.cfg.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               t.clock,
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(t.cfg.MaxRetries))
}

func categoriesOf(items []*envelope.Item) []Category {
	categories := make([]Category, len(items))
	for i, item := range items {
		categories[i] = CategoryFor(item.Type)
	}
	return categories
}
