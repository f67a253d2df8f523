package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-scenario/logger"
)

const (
	DefaultReadTimeout  = time.Second     // per ReceiveUntil call
	DefaultDialTimeout  = 3 * time.Second // TCP only
	DefaultWriteTimeout = 3 * time.Second // TCP only

	// The serial driver counts read timeouts in tenths of a second, up to 255.
	MinReadTimeout = 100 * time.Millisecond
	MaxReadTimeout = 25500 * time.Millisecond
)

// Config holds the tunables shared by the connection variants.
type Config struct {
	readTimeout  time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration
	logger       logger.Logger
}

// NewConfig creates a Config with defaults and applies opts in order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		readTimeout:  DefaultReadTimeout,
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
		logger:       logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// ReadTimeout returns the bound of one ReceiveUntil call.
func (cfg *Config) ReadTimeout() time.Duration { return cfg.readTimeout }

// DialTimeout returns the TCP dial timeout.
func (cfg *Config) DialTimeout() time.Duration { return cfg.dialTimeout }

// WriteTimeout returns the TCP write timeout, 0 when disabled.
func (cfg *Config) WriteTimeout() time.Duration { return cfg.writeTimeout }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// Option is a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithReadTimeout sets how long one ReceiveUntil call may wait for bytes.
// Range: 100ms to 25.5s.
func WithReadTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinReadTimeout || d > MaxReadTimeout {
			return fmt.Errorf("connection: read timeout %v out of range [%v, %v]", d, MinReadTimeout, MaxReadTimeout)
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithDialTimeout sets the TCP dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("connection: dial timeout must be positive")
		}
		cfg.dialTimeout = d

		return nil
	})
}

// WithWriteTimeout sets the TCP write timeout. 0 disables it.
func WithWriteTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 {
			return errors.New("connection: write timeout must not be negative")
		}
		cfg.writeTimeout = d

		return nil
	})
}

// WithLogger sets the logger for the connection.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("connection: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
