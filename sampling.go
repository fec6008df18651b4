package hubz

import (
	"context"
	"math"
)

// SamplingContext is what a TracesSampler sees for a new transaction.
type SamplingContext struct {
	Context context.Context
	Parent  *TraceParent
	Name    string
}

// TracesSampler returns the sample rate for one transaction.
type TracesSampler func(SamplingContext) float64

// decideSampled applies rate. Rates at or below 0 never sample and rates at
// or above 1 always sample, neither drawing from random.
func decideSampled(rate float64, random func() float64) Sampled {
	switch {
	case math.IsNaN(rate) || rate <= 0:
		return SampledFalse
	case rate >= 1:
		return SampledTrue
	default:
		return sampledFromBool(random() < rate)
	}
}

// sample decides a new transaction's sampling. An explicit decision wins,
// then the inbound parent's, then the sampler, then the static rate.
func (h *Hub) sample(ctx context.Context, name string, cfg *transactionConfig) Sampled {
	if cfg.sampled != SampledUndefined {
		return cfg.sampled
	}
	if cfg.parent != nil && cfg.parent.Sampled != SampledUndefined {
		return cfg.parent.Sampled
	}

	rate := h.client.options.TracesSampleRate
	if sampler := h.client.options.TracesSampler; sampler != nil {
		rate = sampler(SamplingContext{Context: ctx, Parent: cfg.parent, Name: name})
	}
	return decideSampled(rate, h.client.random)
}
