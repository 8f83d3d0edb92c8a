package cache

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-perish/v1/duration"
)

// defaultCheckInterval is used when no check interval is configured or when
// it resolves to zero.
const defaultCheckInterval = 30 * time.Second

type options struct {
	name          string
	lifetime      time.Duration
	checkInterval time.Duration
	autoStart     bool
	now           func() time.Time
	logger        *slog.Logger
	registerer    prometheus.Registerer
	tracing       bool
}

// Option configures a Cache.
type Option func(*options) error

// WithLifetime sets how long a key lives after it was first created,
// regardless of later pushes. Zero disables the limit. d accepts anything
// duration.Parse does, e.g. "10s" or "1m 30s".
func WithLifetime[D duration.Input](d D) Option {
	return func(o *options) error {
		v, err := duration.Parse(d)
		if err != nil {
			return err
		}
		if v < 0 {
			v = 0
		}
		o.lifetime = v
		return nil
	}
}

// WithCheckInterval sets the interval between sweeps. A value resolving to
// zero or less falls back to 30 seconds.
func WithCheckInterval[D duration.Input](d D) Option {
	return func(o *options) error {
		v, err := duration.Parse(d)
		if err != nil {
			return err
		}
		if v <= 0 {
			v = defaultCheckInterval
		}
		o.checkInterval = v
		return nil
	}
}

// WithAutoStart starts the sweep loop when the cache is created. The first
// sweep runs after one check interval.
func WithAutoStart() Option {
	return func(o *options) error {
		o.autoStart = true
		return nil
	}
}

// WithClock replaces time.Now as the source of timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now != nil {
			o.now = now
		}
		return nil
	}
}

// WithName sets the name used for the sweep loop, metric labels and logs.
func WithName(name string) Option {
	return func(o *options) error {
		o.name = name
		return nil
	}
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) error {
		o.registerer = reg
		return nil
	}
}

// WithTracing enables OpenTelemetry tracing for sweeps.
func WithTracing() Option {
	return func(o *options) error {
		o.tracing = true
		return nil
	}
}
