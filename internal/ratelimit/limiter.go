// Package ratelimit provides sliding-window admission control for login attempts.
//
// A key is admitted when fewer than MaxAttempts admissions were recorded for
// it within the trailing Window. Denied attempts are not recorded, so a key
// that stops trying becomes admissible again exactly Window after its oldest
// recorded attempt.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Limiter decides whether an attempt for key may proceed.
type Limiter interface {
	Admit(ctx context.Context, key string) (bool, error)
}

var (
	ErrInvalidConfig      = errors.New("ratelimit: invalid config")
	ErrBackendUnavailable = errors.New("ratelimit: backend unavailable")
)

// Config bounds admissions to MaxAttempts per trailing Window.
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

// DefaultConfig allows 5 attempts per 5 minutes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Window:      5 * time.Minute,
	}
}

func (c Config) validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive", ErrInvalidConfig)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	}
	return nil
}

// Noop admits everything.
type Noop struct{}

// Admit implements Limiter.
func (Noop) Admit(context.Context, string) (bool, error) { return true, nil }
