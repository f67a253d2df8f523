package engine

import (
	"context"
	"errors"
	"time"

	"github.com/arloliu/go-scenario/connection"
	"github.com/arloliu/go-scenario/logger"
	"github.com/arloliu/go-scenario/report"
)

const (
	// DefaultFrameSize is the runner's scratch buffer size, the longest frame it reads at once.
	DefaultFrameSize = 1024
	// DefaultErrorBackoff is the runner's pause after a failed read.
	DefaultErrorBackoff = connection.DefaultReadTimeout
	// DefaultSettleTimeout bounds the executor's wait for the runner to exit
	// after a final fire-and-forget command. One runner cycle is at most one
	// read timeout plus the error backoff.
	DefaultSettleTimeout = connection.MaxReadTimeout + DefaultErrorBackoff
)

// OpenFunc opens the device connection. connection.Open is the default.
type OpenFunc func(ctx context.Context, target connection.Target, opts ...connection.Option) (connection.Connection, error)

type options struct {
	logger        logger.Logger
	metrics       *Metrics
	frameSize     int
	errorBackoff  time.Duration
	settleTimeout time.Duration
	recorder      report.Recorder
	runID         string
	open          OpenFunc
	connOpts      []connection.Option
}

func newOptions(opts ...Option) (*options, error) {
	o := &options{
		logger:        logger.GetLogger(),
		frameSize:     DefaultFrameSize,
		errorBackoff:  DefaultErrorBackoff,
		settleTimeout: DefaultSettleTimeout,
		recorder:      report.Discard,
		open:          connection.Open,
	}

	for _, opt := range opts {
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}

	if o.metrics == nil {
		o.metrics = &Metrics{}
	}

	return o, nil
}

// Option configures a Runner, an Executor or a Coordinator.
type Option interface {
	apply(*options) error
}

type optFunc func(*options) error

func (f optFunc) apply(o *options) error { return f(o) }

// WithLogger sets the logger. Each role derives a child logger from it.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(o *options) error {
		if l == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = l

		return nil
	})
}

// WithMetrics shares m instead of allocating new counters.
func WithMetrics(m *Metrics) Option {
	return optFunc(func(o *options) error {
		o.metrics = m
		return nil
	})
}

// WithFrameSize sets the runner's scratch buffer size in bytes.
func WithFrameSize(size int) Option {
	return optFunc(func(o *options) error {
		if size <= 0 {
			return errors.New("frame size must be positive")
		}
		o.frameSize = size

		return nil
	})
}

// WithErrorBackoff sets the runner's pause after a failed read. 0 disables it.
func WithErrorBackoff(d time.Duration) Option {
	return optFunc(func(o *options) error {
		if d < 0 {
			return errors.New("error backoff must not be negative")
		}
		o.errorBackoff = d

		return nil
	})
}

// WithSettleTimeout bounds how long the executor waits for the runner to
// exit when the last command played was fire-and-forget.
func WithSettleTimeout(d time.Duration) Option {
	return optFunc(func(o *options) error {
		if d < 0 {
			return errors.New("settle timeout must not be negative")
		}
		o.settleTimeout = d

		return nil
	})
}

// WithRecorder sets where the executor records command results.
func WithRecorder(r report.Recorder) Option {
	return optFunc(func(o *options) error {
		if r == nil {
			return errors.New("recorder must not be nil")
		}
		o.recorder = r

		return nil
	})
}

// WithRunID tags results and log lines with id.
func WithRunID(id string) Option {
	return optFunc(func(o *options) error {
		o.runID = id
		return nil
	})
}

// WithOpener replaces connection.Open.
func WithOpener(open OpenFunc) Option {
	return optFunc(func(o *options) error {
		if open == nil {
			return errors.New("opener must not be nil")
		}
		o.open = open

		return nil
	})
}

// WithConnectionOptions passes opts to the opener.
func WithConnectionOptions(opts ...connection.Option) Option {
	return optFunc(func(o *options) error {
		o.connOpts = append(o.connOpts, opts...)
		return nil
	})
}
