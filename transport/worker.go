package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zoobzio/hubz/envelope"
)

// elapsed is always ready; it wakes the loop when a pending job is due.
var elapsed = func() chan time.Time {
	c := make(chan time.Time)
	close(c)
	return c
}()

// run is the single worker goroutine. It owns pending and is the only
// caller of the sender.
func (t *Transport) run() {
	defer close(t.done)

	for {
		t.processReady()

		var wake <-chan time.Time
		if next, ok := t.nextReady(); ok {
			if d := next.Sub(t.clock.Now()); d > 0 {
				wake = t.clock.After(d)
			} else {
				wake = elapsed
			}
		}

		select {
		case <-t.stop:
			t.shutdown()
			return
		case j := <-t.queue:
			t.metrics.QueueDepth.Set(float64(len(t.queue)))
			t.dispatch(t.batch(j))
		case <-wake:
		}
	}
}

// processReady dispatches every pending job whose wait has elapsed.
func (t *Transport) processReady() {
	if len(t.pending) == 0 {
		return
	}
	now := t.clock.Now()

	var ready []*job
	waiting := make([]*job, 0, len(t.pending))
	for _, j := range t.pending {
		if j.readyAt.After(now) {
			waiting = append(waiting, j)
			continue
		}
		ready = append(ready, j)
	}
	t.pending = waiting

	for i, j := range ready {
		if t.ctx.Err() != nil {
			t.pending = append(t.pending, ready[i:]...)
			return
		}
		t.dispatch(j)
	}
}

func (t *Transport) nextReady() (time.Time, bool) {
	if len(t.pending) == 0 {
		return time.Time{}, false
	}
	next := t.pending[0].readyAt
	for _, j := range t.pending[1:] {
		if j.readyAt.Before(next) {
			next = j.readyAt
		}
	}
	return next, true
}

// batch merges up to BatchSize queued envelopes into one request.
func (t *Transport) batch(first *job) *job {
	if t.cfg.BatchSize <= 1 {
		return first
	}

	merged := []*job{first}
collect:
	for len(merged) < t.cfg.BatchSize {
		select {
		case j := <-t.queue:
			merged = append(merged, j)
		default:
			break collect
		}
	}
	if len(merged) == 1 {
		return first
	}

	env := envelope.New(envelope.Header{SentAt: t.clock.Now().UTC()})
	out := &job{env: env, bo: t.newBackOff()}
	for _, j := range merged {
		env.Add(j.env.Items...)
		out.categories = append(out.categories, j.categories...)
		out.weight += j.weight
	}
	t.metrics.QueueDepth.Set(float64(len(t.queue)))
	return out
}

// dispatch sends j now or parks it until its categories leave their rate
// limit window.
func (t *Transport) dispatch(j *job) {
	var until time.Time
	for _, c := range j.categories {
		if t.limits.IsLimited(c) {
			if u := t.limits.Until(c); u.After(until) {
				until = u
			}
		}
	}
	if !until.IsZero() {
		j.readyAt = until
		t.pending = append(t.pending, j)
		return
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(t.ctx); err != nil {
			t.pending = append(t.pending, j)
			return
		}
	}
	t.attempt(j)
}

func (t *Transport) attempt(j *job) {
	j.attempts++

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.SendTimeout)
	resp, err := t.sender.Send(ctx, j.env)
	cancel()

	if resp != nil {
		for _, c := range t.limits.Update(resp.StatusCode, resp.Header) {
			t.metrics.RateLimited.WithLabelValues(c.String()).Inc()
		}
	}

	switch classify(resp, err) {
	case outcomeDelivered:
		t.metrics.Delivered.Inc()
		t.logger.Debug("Delivered envelope",
			zap.String("event_id", j.env.Header.EventID),
			zap.Int("items", len(j.env.Items)),
			zap.Int("attempts", j.attempts),
		)
		t.replay()
		t.end(j.weight)
	case outcomeRateLimited:
		t.discard(j, ReasonRateLimited)
	case outcomeRetry:
		if t.ctx.Err() != nil {
			t.pending = append(t.pending, j)
			return
		}
		t.retry(j, err)
	default:
		t.logger.Debug("Envelope rejected",
			zap.String("event_id", j.env.Header.EventID),
			zap.Error(err),
			zap.Int("status", statusOf(resp)),
		)
		t.discard(j, ReasonSendError)
	}
}

func (t *Transport) retry(j *job, err error) {
	d := j.bo.NextBackOff()
	if d < 0 {
		t.exhausted(j)
		return
	}

	t.metrics.Retries.Inc()
	t.logger.Debug("Retrying envelope",
		zap.String("event_id", j.env.Header.EventID),
		zap.Int("attempts", j.attempts),
		zap.Duration("backoff", d),
		zap.Error(err),
	)
	j.readyAt = t.clock.Now().Add(d)
	t.pending = append(t.pending, j)
}

// exhausted hands j to the offline store, or drops it without one.
func (t *Transport) exhausted(j *job) {
	if t.cfg.Store == nil {
		t.discard(j, ReasonNetworkError)
		return
	}

	evicted, err := t.cfg.Store.Push(j.env)
	if err != nil {
		t.logger.Warn("Offline store rejected envelope",
			zap.String("event_id", j.env.Header.EventID),
			zap.Error(err),
		)
		t.discard(j, ReasonNetworkError)
		return
	}

	t.metrics.Stored.Inc()
	if evicted > 0 {
		t.metrics.Discarded.WithLabelValues(ReasonStoreEvicted, "unknown").Add(float64(evicted))
		t.dropped.Add(int64(evicted))
	}
	t.logger.Debug("Stored envelope offline",
		zap.String("event_id", j.env.Header.EventID),
		zap.Int("attempts", j.attempts),
	)
	t.end(j.weight)
}

// replay moves stored envelopes back into the pipeline after a delivery
// proves the server is reachable.
func (t *Transport) replay() {
	if t.cfg.Store == nil {
		return
	}
	for i := 0; i < replayBatch; i++ {
		env, ok := t.cfg.Store.Pop()
		if !ok {
			return
		}
		j := &job{
			env:        env,
			categories: categoriesOf(env.Items),
			weight:     1,
			bo:         t.newBackOff(),
			readyAt:    t.clock.Now(),
		}
		t.begin(j.weight)
		t.metrics.Replayed.Inc()
		t.pending = append(t.pending, j)
	}
}

// shutdown drops everything still queued or waiting.
func (t *Transport) shutdown() {
	for {
		select {
		case j := <-t.queue:
			t.discard(j, ReasonQueueClosed)
		default:
			for _, j := range t.pending {
				t.discard(j, ReasonQueueClosed)
			}
			t.pending = nil
			t.metrics.QueueDepth.Set(0)
			return
		}
	}
}

func statusOf(resp *Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
