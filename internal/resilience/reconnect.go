package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig holds configuration for reconnection logic. The engine's
// transport uses a fixed delay between attempts; Multiplier stays 1.0 there.
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Delay       time.Duration // Delay between attempts
	Multiplier  float64       // Delay multiplier; 1.0 keeps the delay fixed
	MaxDelay    time.Duration // Cap on the grown delay
}

// DefaultReconnectConfig returns a default reconnection configuration.
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Delay:       1 * time.Second,
		Multiplier:  1.0,
		MaxDelay:    30 * time.Second,
	}
}

// ReconnectFunc is one reconnection attempt.
type ReconnectFunc func() error

// Reconnect runs fn until it succeeds, the attempt ceiling is reached, or the
// context is cancelled. An onAttempt hook, when non-nil, observes each failed
// attempt (used for metrics).
func Reconnect(ctx context.Context, fn ReconnectFunc, cfg *ReconnectConfig, logger zerolog.Logger, onAttempt func(attempt int)) error {
	if cfg == nil {
		cfg = DefaultReconnectConfig()
	}

	delay := cfg.Delay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			logger.Info().Int("attempt", attempt).Msg("reconnected")
			return nil
		}
		if onAttempt != nil {
			onAttempt(attempt)
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("delay", delay).
			Msg("reconnect attempt failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if cfg.Multiplier > 1.0 {
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}

	return fmt.Errorf("failed to reconnect after %d attempts", cfg.MaxAttempts)
}
