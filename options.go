package hubz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zoobzio/hubz/envelope"
	"github.com/zoobzio/hubz/transport"
)

// ClientName identifies this library to the ingestion endpoint.
const ClientName = "hubz.go/0.1.0"

const defaultOfflineCapacity = 30

// envPrefix namespaces OptionsFromEnv variables: SENTRY_DSN and so on.
const envPrefix = "sentry"

// ErrInvalidSampleRate is returned by Init for rates outside [0, 1].
var ErrInvalidSampleRate = errors.New("traces sample rate must be within [0, 1]")

// Transport delivers envelopes. Send must not block on network I/O.
type Transport interface {
	Send(env *envelope.Envelope)
	Flush(ctx context.Context) bool
	Close()
}

// TransportFactory builds the transport for Init.
type TransportFactory func(opts Options, logger *zap.Logger) (Transport, error)

// Options configures a Hub. Fields tagged envconfig are read by
// OptionsFromEnv.
//
//nolint:govet // Field order groups env-loaded fields before injected ones
type Options struct {
	Dsn              string  `envconfig:"DSN"`
	Debug            bool    `envconfig:"DEBUG"`
	TracesSampleRate float64 `envconfig:"TRACES_SAMPLE_RATE"`
	Environment      string  `envconfig:"ENVIRONMENT"`
	Release          string  `envconfig:"RELEASE"`
	ServerName       string  `envconfig:"SERVER_NAME"`

	// QueueSize bounds the transport queue.
	QueueSize int `envconfig:"QUEUE_SIZE" default:"100"`
	// MaxRetries caps delivery retries. Zero takes the transport default,
	// negative disables retries.
	MaxRetries int `envconfig:"MAX_RETRIES" default:"3"`
	// QueueOverflow is drop_newest, drop_oldest or block.
	QueueOverflow string        `envconfig:"QUEUE_OVERFLOW" default:"drop_newest"`
	BatchSize     int           `envconfig:"BATCH_SIZE"`
	SendTimeout   time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	// OfflineDir enables a directory store for envelopes that exhaust
	// their retries.
	OfflineDir      string `envconfig:"OFFLINE_DIR"`
	OfflineCapacity int    `envconfig:"OFFLINE_CAPACITY" default:"30"`

	DisableScopeBinding bool `envconfig:"DISABLE_SCOPE_BINDING"`
	MaxSpans            int  `envconfig:"MAX_SPANS"`
	MaxAssociations     int  `envconfig:"MAX_ASSOCIATIONS"`

	TracesSampler TracesSampler         `ignored:"true"`
	Transport     TransportFactory      `ignored:"true"`
	Logger        *zap.Logger           `ignored:"true"`
	Clock         clockz.Clock          `ignored:"true"`
	Registerer    prometheus.Registerer `ignored:"true"`
}

// OptionsFromEnv loads options from SENTRY_* environment variables.
func OptionsFromEnv() (Options, error) {
	var opts Options
	if err := envconfig.Process(envPrefix, &opts); err != nil {
		return Options{}, fmt.Errorf("failed to load options: %w", err)
	}
	return opts, nil
}

func (o Options) validate() error {
	if math.IsNaN(o.TracesSampleRate) || o.TracesSampleRate < 0 || o.TracesSampleRate > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRate, o.TracesSampleRate)
	}
	if _, err := transport.ParseOverflowPolicy(o.QueueOverflow); err != nil {
		return err
	}
	return nil
}

// Init validates opts and returns a ready hub. Without a Dsn or a
// Transport factory captured data is discarded.
func Init(opts Options) (*Hub, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.logger()
	clock := opts.clock()

	tr, err := opts.buildTransport(logger, clock)
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	opts.Clock = clock

	hub, err := NewHub(tr, opts)
	if err != nil {
		tr.Close()
		return nil, err
	}
	return hub, nil
}

func (o Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return newLogger(o.Debug)
}

func (o Options) clock() clockz.Clock {
	if o.Clock != nil {
		return o.Clock
	}
	return clockz.RealClock
}

func (o Options) buildTransport(logger *zap.Logger, clock clockz.Clock) (Transport, error) {
	if o.Transport != nil {
		tr, err := o.Transport(o, logger)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		return tr, nil
	}
	if o.Dsn == "" {
		logger.Debug("No DSN configured, captured data will be discarded")
		return noopTransport{}, nil
	}

	dsn, err := transport.ParseDSN(o.Dsn)
	if err != nil {
		return nil, err
	}
	overflow, err := transport.ParseOverflowPolicy(o.QueueOverflow)
	if err != nil {
		return nil, err
	}

	metrics, err := transport.NewMetrics(o.Registerer)
	if err != nil {
		return nil, err
	}

	var store transport.Store
	if o.OfflineDir != "" {
		capacity := o.OfflineCapacity
		if capacity <= 0 {
			capacity = defaultOfflineCapacity
		}
		dir, err := transport.NewDirStore(o.OfflineDir, capacity)
		if err != nil {
			return nil, err
		}
		store = dir
	}

	sender := transport.NewHTTPSender(dsn, transport.HTTPOptions{
		Timeout: o.SendTimeout,
		Client:  ClientName,
	})
	return transport.New(sender, transport.Config{
		QueueSize:   o.QueueSize,
		MaxRetries:  o.MaxRetries,
		Overflow:    overflow,
		SendTimeout: o.SendTimeout,
		BatchSize:   o.BatchSize,
		Store:       store,
		Clock:       clock,
		Logger:      logger.Named("transport"),
		Metrics:     metrics,
	}), nil
}

// newLogger builds the debug channel: a development console logger when
// debug is set, a no-op logger otherwise.
func newLogger(debug bool) *zap.Logger {
	if !debug {
		return zap.NewNop()
	}

	encoder := zap.NewDevelopmentEncoderConfig()
	encoder.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(zap.DebugLevel),
		Development:       true,
		Encoding:          "console",
		EncoderConfig:     encoder,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	logger, err := cfg.Build()
	if err != nil {
		// Fallback to no-op logger
		return zap.NewNop()
	}
	return logger.Named("hubz")
}

// noopTransport discards everything.
type noopTransport struct{}

func (noopTransport) Send(*envelope.Envelope)    {}
func (noopTransport) Flush(context.Context) bool { return true }
func (noopTransport) Close()                     {}
