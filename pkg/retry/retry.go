package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	JitterFraction  float64
	RetryableErrors []error
	// Permanent reports errors that must not be retried even when
	// RetryableErrors would accept them.
	Permanent func(error) bool
	// Operation names the call in log lines.
	Operation string
	Logger    *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         zap.NewNop(),
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Backoff returns the un-jittered wait after the given failed attempt
// (1-based).
func (cfg Config) Backoff(attempt int) time.Duration {
	cfg = cfg.withDefaults()
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	return time.Duration(math.Min(delay, float64(cfg.MaxDelay)))
}

// Do runs operation until it succeeds, returns a non-retryable error, the
// attempt budget is spent or ctx is done.
func Do(ctx context.Context, cfg Config, operation func() error) error {
	_, err := Attempts(ctx, cfg, operation)
	return err
}

// Attempts is Do that also reports how many times operation ran.
func Attempts(ctx context.Context, cfg Config, operation func() error) (int, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With(zap.String("operation", cfg.Operation))

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, errors.Join(lastErr, err)
			}
			return attempt - 1, err
		}

		err := operation()
		if err == nil {
			if attempt > 1 {
				log.Debug("Operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return attempt, nil
		}
		lastErr = err

		if !cfg.retryable(err) {
			log.Debug("Error not retryable", zap.Error(err), zap.Int("attempt", attempt))
			return attempt, err
		}
		if attempt == cfg.MaxAttempts {
			return attempt, lastErr
		}

		delay := addJitter(cfg.Backoff(attempt), cfg.JitterFraction)
		log.Warn("Operation failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Duration("delay", delay),
		)

		wait := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			wait.Stop()
			return attempt, errors.Join(lastErr, ctx.Err())
		case <-wait.C:
		}
	}

	return cfg.MaxAttempts, lastErr
}

func DoWithResult[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = operation()
		return err
	})
	return result, err
}

func (cfg Config) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if cfg.Permanent != nil && cfg.Permanent(err) {
		return false
	}
	if len(cfg.RetryableErrors) == 0 {
		return true
	}
	for _, retryableErr := range cfg.RetryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}
	return false
}

func addJitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 || duration <= 0 {
		return duration
	}

	jitter := time.Duration(rand.Float64() * float64(duration) * jitterFraction)
	if rand.Intn(2) == 0 {
		return duration - jitter
	}
	return duration + jitter
}
