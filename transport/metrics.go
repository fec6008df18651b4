package transport

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Discard reasons.
const (
	ReasonQueueOverflow    = "queue_overflow"
	ReasonRateLimitBackoff = "ratelimit_backoff"
	ReasonRateLimited      = "ratelimited"
	ReasonNetworkError     = "network_error"
	ReasonSendError        = "send_error"
	ReasonQueueClosed      = "queue_closed"
	ReasonStoreEvicted     = "store_evicted"
)

// Metrics holds the transport counters. They are created unregistered;
// pass a Registerer to NewMetrics to export them.
type Metrics struct {
	Discarded   *prometheus.CounterVec
	RateLimited *prometheus.CounterVec
	Delivered   prometheus.Counter
	Retries     prometheus.Counter
	Stored      prometheus.Counter
	Replayed    prometheus.Counter
	QueueDepth  prometheus.Gauge
}

// NewMetrics creates transport metrics and registers them with reg if it
// is non-nil. Collectors reg already holds under the same names are reused,
// so transports built against one registry share their counters.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Discarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubz_transport_discarded_events_total",
				Help: "Envelope items dropped before delivery",
			},
			[]string{"reason", "category"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubz_transport_rate_limited_total",
				Help: "Rate limit windows received from the server",
			},
			[]string{"category"},
		),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubz_transport_delivered_total",
			Help: "Envelopes accepted by the server",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubz_transport_retries_total",
			Help: "Delivery attempts scheduled after a retryable failure",
		}),
		Stored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubz_transport_offline_stored_total",
			Help: "Envelopes moved to the offline store after exhausting retries",
		}),
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hubz_transport_offline_replayed_total",
			Help: "Envelopes taken back from the offline store",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hubz_transport_queue_depth",
			Help: "Envelopes waiting in the send queue",
		}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.Discarded, err = register(reg, m.Discarded); err != nil {
		return nil, err
	}
	if m.RateLimited, err = register(reg, m.RateLimited); err != nil {
		return nil, err
	}
	if m.Delivered, err = register(reg, m.Delivered); err != nil {
		return nil, err
	}
	if m.Retries, err = register(reg, m.Retries); err != nil {
		return nil, err
	}
	if m.Stored, err = register(reg, m.Stored); err != nil {
		return nil, err
	}
	if m.Replayed, err = register(reg, m.Replayed); err != nil {
		return nil, err
	}
	if m.QueueDepth, err = register(reg, m.QueueDepth); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, or returns the equal collector reg already has.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("register transport metrics: %w", err)
}

func (m *Metrics) discard(reason string, categories []Category) {
	for _, c := range categories {
		m.Discarded.WithLabelValues(reason, c.String()).Inc()
	}
}
