package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialDelay:      1 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Policy implements exponential backoff retry logic
type Policy struct {
	config Config
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a new retry policy, filling unset fields from DefaultConfig
func NewPolicy(config Config) *Policy {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}

	return &Policy{
		config: config,
		sleep:  sleepContext,
	}
}

// Config returns the effective configuration
func (p *Policy) Config() Config {
	return p.config
}

// ShouldRetry reports whether another attempt is allowed after attempts
// failures ending in err
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	return attempts < p.config.MaxAttempts
}

// NextRetryDelay calculates the delay before the next retry
func (p *Policy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	// delay = initialDelay * multiplier^(attempts-1)
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// NextRetryTime calculates when the next retry should occur after from
func (p *Policy) NextRetryTime(attempts int, from time.Time) time.Time {
	return from.Add(p.NextRetryDelay(attempts))
}

// Due reports whether a retry scheduled after attempts failures, the last
// one at lastAttempt, may run at now. A zero lastAttempt is always due.
func (p *Policy) Due(attempts int, lastAttempt, now time.Time) bool {
	if lastAttempt.IsZero() {
		return true
	}
	return !now.Before(p.NextRetryTime(attempts, lastAttempt))
}

// Do calls fn until it succeeds, returns a permanent error, the attempt
// budget is spent or ctx is done. The last error is returned.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx, attempt)
		if !p.ShouldRetry(attempt, err) {
			return unwrapPermanent(err)
		}
		if sleepErr := p.sleep(ctx, p.NextRetryDelay(attempt)); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func unwrapPermanent(err error) error {
	var pe *permanentError
	if errors.As(err, &pe) && err == error(pe) {
		return pe.err
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
