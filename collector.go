package hubz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"github.com/zoobzio/hubz/envelope"
)

// Collector is an in-memory Transport. It buffers envelopes for inspection
// instead of delivering them.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	envelopes    []*envelope.Envelope
	envCh        chan *envelope.Envelope
	stopCh       chan struct{}
	done         chan struct{}
	idle         chan struct{}
	droppedCount atomic.Int64
	name         string
	outstanding  int
	mu           sync.Mutex
	closeOnce    sync.Once
	closed       atomic.Bool // Track if collector is closed.
	syncMode     atomic.Bool // Bypass channel for synchronous collection.
}

// NewCollector creates a new collector with the specified name and buffer size.
func NewCollector(name string, bufferSize int) *Collector {
	idle := make(chan struct{})
	close(idle)

	c := &Collector{
		name:      name,
		envelopes: make([]*envelope.Envelope, 0, 8), // Start with small capacity.
		envCh:     make(chan *envelope.Envelope, bufferSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		idle:      idle,
	}
	go c.start()
	return c
}

// Name returns the collector name.
func (c *Collector) Name() string {
	return c.name
}

// start runs the collector's main loop, receiving envelopes from the channel.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining envelopes before shutdown.
			for {
				select {
				case env := <-c.envCh:
					c.buffer(env)
					c.end()
				default:
					return // Clean shutdown.
				}
			}
		case env := <-c.envCh:
			c.buffer(env)
			c.end()
		}
	}
}

// Send buffers a copy of env. If the internal channel is full the envelope
// is dropped and the drop counter is incremented. In sync mode envelopes
// are buffered directly for deterministic testing.
func (c *Collector) Send(env *envelope.Envelope) {
	if env == nil || c.closed.Load() {
		c.droppedCount.Add(1)
		return
	}

	// Round trip through the wire format so later changes to env are not
	// seen and the framing is exercised.
	cp, err := copyEnvelope(env)
	if err != nil {
		c.droppedCount.Add(1)
		return
	}

	if c.syncMode.Load() {
		c.buffer(cp)
		return
	}

	c.begin()
	select {
	case c.envCh <- cp:
		// Successfully queued.
	default:
		// Channel full - drop envelope to prevent blocking.
		c.end()
		c.droppedCount.Add(1)
	}
}

func copyEnvelope(env *envelope.Envelope) (*envelope.Envelope, error) {
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}
	return envelope.Decode(data)
}

func (c *Collector) begin() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outstanding == 0 {
		c.idle = make(chan struct{})
	}
	c.outstanding++
}

func (c *Collector) end() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outstanding--
	if c.outstanding == 0 {
		close(c.idle)
	}
}

// buffer adds an envelope to the internal buffer.
func (c *Collector) buffer(env *envelope.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Check if buffer needs to grow - optimized growth strategy.
	if len(c.envelopes) >= cap(c.envelopes) {
		currentCap := cap(c.envelopes)
		var newCap int
		if currentCap < 1024 {
			// Double capacity for small buffers.
			newCap = currentCap * 2
		} else {
			// Grow by 50% for large buffers to avoid excessive memory usage.
			newCap = currentCap + currentCap/2
		}
		if newCap < 32 {
			newCap = 32
		}
		grown := make([]*envelope.Envelope, len(c.envelopes), newCap)
		copy(grown, c.envelopes)
		c.envelopes = grown
	}
	c.envelopes = append(c.envelopes, env)
}

// Flush waits until every queued envelope is buffered or ctx is done.
func (c *Collector) Flush(ctx context.Context) bool {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops the collector goroutine after draining the channel. Buffered
// envelopes stay readable.
// Safe to call multiple times.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		select {
		case <-c.done:
			// Clean shutdown completed.
		case <-time.After(100 * time.Millisecond):
			// Timeout - the goroutine finishes draining on its own.
		}
	})
}

// Export returns all buffered envelopes and clears the internal buffer.
// The envelopes are copies owned by the caller.
func (c *Collector) Export() []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.envelopes) == 0 {
		return nil
	}

	result := make([]*envelope.Envelope, len(c.envelopes))
	copy(result, c.envelopes)

	// More conservative shrinking to avoid allocation churn.
	if cap(c.envelopes) > 256 && len(c.envelopes) < cap(c.envelopes)/8 {
		newCap := cap(c.envelopes) / 4
		if newCap < 32 {
			newCap = 32
		}
		c.envelopes = make([]*envelope.Envelope, 0, newCap)
	} else {
		clear(c.envelopes)
		c.envelopes = c.envelopes[:0] // Keep capacity, reset length.
	}

	return result
}

// Events decodes the event and transaction items of every buffered
// envelope, in arrival order. Items that fail to decode are skipped. The
// buffer is left untouched.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	envelopes := make([]*envelope.Envelope, len(c.envelopes))
	copy(envelopes, c.envelopes)
	c.mu.Unlock()

	var events []Event
	for _, env := range envelopes {
		for _, item := range env.Items {
			if item.Type != envelope.ItemEvent && item.Type != envelope.ItemTransaction {
				continue
			}
			var event Event
			if err := sonic.Unmarshal(item.Payload, &event); err != nil {
				continue
			}
			events = append(events, event)
		}
	}
	return events
}

// Transactions returns the transaction events among Events.
func (c *Collector) Transactions() []Event {
	var out []Event
	for _, event := range c.Events() {
		if event.Type == eventTypeTransaction {
			out = append(out, event)
		}
	}
	return out
}

// Count returns the current number of buffered envelopes.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envelopes)
}

// DroppedCount returns the total number of envelopes dropped.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, envelopes are buffered directly without using the channel.
// This makes tests deterministic by eliminating async behavior.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode.Store(sync)
}

// Reset clears all buffered envelopes and resets the drop counter.
// Does not affect the running goroutine - use Close for that.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.envelopes)
	c.envelopes = c.envelopes[:0]
	c.droppedCount.Store(0)
}

var _ Transport = (*Collector)(nil)
