package relay

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexolith/eventflow/internal/nilcheck"
	"github.com/nexolith/eventflow/log"
)

const (
	defaultPollInterval       = 2 * time.Second
	defaultBatchSize          = 50
	defaultMaxRetries         = 10
	defaultPublishMaxAttempts = 3
	defaultPublishBackoff     = 200 * time.Millisecond
)

// Config controls relay polling, retry, and metric behavior.
type Config struct {
	// PollInterval is the periodic interval between processing cycles.
	PollInterval time.Duration
	// BatchSize is the max number of entries processed per cycle.
	BatchSize int
	// MaxRetries is the retry budget per entry before it is exhausted
	// and excluded from further cycles.
	MaxRetries int
	// PublishMaxAttempts is the max broker publish attempts within one
	// cycle for one entry.
	PublishMaxAttempts int
	// PublishBackoff is the base backoff between publish attempts.
	PublishBackoff time.Duration
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline relay configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:       defaultPollInterval,
		BatchSize:          defaultBatchSize,
		MaxRetries:         defaultMaxRetries,
		PublishMaxAttempts: defaultPublishMaxAttempts,
		PublishBackoff:     defaultPublishBackoff,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}
}

type Option func(*Relay)

func WithPollInterval(interval time.Duration) Option {
	return func(relay *Relay) {
		if interval > 0 {
			relay.cfg.PollInterval = interval
		}
	}
}

func WithBatchSize(size int) Option {
	return func(relay *Relay) {
		if size > 0 {
			relay.cfg.BatchSize = size
		}
	}
}

func WithMaxRetries(maxRetries int) Option {
	return func(relay *Relay) {
		if maxRetries > 0 {
			relay.cfg.MaxRetries = maxRetries
		}
	}
}

func WithPublishMaxAttempts(maxAttempts int) Option {
	return func(relay *Relay) {
		if maxAttempts > 0 {
			relay.cfg.PublishMaxAttempts = maxAttempts
		}
	}
}

func WithPublishBackoff(publishBackoff time.Duration) Option {
	return func(relay *Relay) {
		if publishBackoff > 0 {
			relay.cfg.PublishBackoff = publishBackoff
		}
	}
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(relay *Relay) {
		relay.cfg.MeterProvider = provider
	}
}

func WithLogger(logger log.Logger) Option {
	return func(relay *Relay) {
		if nilcheck.Interface(logger) {
			return
		}

		relay.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(relay *Relay) {
		if nilcheck.Interface(tracer) {
			return
		}

		relay.tracer = tracer
	}
}
