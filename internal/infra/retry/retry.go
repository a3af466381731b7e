// Package retry wraps an operation with bounded exponential backoff for
// transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

var (
	// ErrPermanent wraps the first permanent failure of an operation.
	ErrPermanent = errors.New("permanent failure")

	// ErrExhausted is returned when every attempt failed transiently.
	ErrExhausted = errors.New("retries exhausted")
)

// Config defines retry behavior.
type Config struct {
	MaxRetries    int           `yaml:"max_retries"`    // total attempts, including the first
	InitialDelay  time.Duration `yaml:"initial_delay"`  // wait after the first failure
	BackoffFactor float64       `yaml:"backoff_factor"` // multiplier per attempt
	MaxDelay      time.Duration `yaml:"max_delay"`      // 0 = uncapped
	JitterPercent uint64        `yaml:"jitter_percent"` // 0 = no jitter
}

// DefaultConfig waits 2s, 4s between three attempts.
var DefaultConfig = Config{
	MaxRetries:    3,
	InitialDelay:  2 * time.Second,
	BackoffFactor: 2.0,
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultConfig.InitialDelay
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = DefaultConfig.BackoffFactor
	}
	return c
}

// Delay returns the wait after the given failed attempt (1-based):
// InitialDelay * BackoffFactor^(attempt-1), capped at MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// Observer is told about every backoff wait before it happens.
type Observer func(attempt int, delay time.Duration, err error)

// Option configures an Engine.
type Option func(*Engine)

// WithObserver registers a wait observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observers = append(e.observers, o)
	}
}

// WithClassifier replaces ClassOf.
func WithClassifier(c Classifier) Option {
	return func(e *Engine) {
		e.classify = c
	}
}

// Engine runs operations under a retry budget.
type Engine struct {
	cfg       Config
	classify  Classifier
	observers []Observer
}

// New creates an Engine.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg.WithDefaults(),
		classify: ClassOf,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// spent. It returns the number of attempts made. Waits honour ctx.
func (e *Engine) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	var lastErr error
	var lastClass Class

	err := goretry.Do(ctx, e.backoff(&attempts, &lastErr), func(ctx context.Context) error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		lastClass = e.classify(err)
		if lastClass == ClassTransient {
			return goretry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return attempts, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return attempts, fmt.Errorf("retry aborted after %d attempts: %w", attempts, ctxErr)
	}
	if lastClass == ClassPermanent {
		return attempts, fmt.Errorf("%w: %w", ErrPermanent, lastErr)
	}
	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func (e *Engine) backoff(attempts *int, lastErr *error) goretry.Backoff {
	cfg := e.cfg
	var b goretry.Backoff = goretry.BackoffFunc(func() (time.Duration, bool) {
		return cfg.Delay(*attempts), false
	})
	if cfg.JitterPercent > 0 {
		b = goretry.WithJitterPercent(cfg.JitterPercent, b)
	}
	if cfg.MaxDelay > 0 {
		b = goretry.WithCappedDuration(cfg.MaxDelay, b)
	}
	b = goretry.WithMaxRetries(uint64(cfg.MaxRetries-1), b)

	return goretry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := b.Next()
		if stop {
			return 0, true
		}
		for _, o := range e.observers {
			o(*attempts, next, *lastErr)
		}
		return next, false
	})
}
