// Package breaker guards a user store with a circuit breaker so a failing
// database is shed quickly instead of tying up every login until timeout.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/r2r72/authcore/internal/service/auth"
)

// Config tunes the breaker.
type Config struct {
	Name string
	// MinRequests is how many calls the breaker sees before it may trip.
	MinRequests uint32
	// FailureRatio trips the breaker once reached.
	FailureRatio float64
	// Interval clears the counts while closed.
	Interval time.Duration
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// DefaultConfig trips after 10 calls with at least half failing.
func DefaultConfig() Config {
	return Config{
		Name:         "user-store",
		MinRequests:  10,
		FailureRatio: 0.5,
		Interval:     time.Minute,
		OpenTimeout:  30 * time.Second,
	}
}

// Store is an auth.UserStore wrapped in a circuit breaker. Not-found and
// caller cancellation do not count as failures.
type Store struct {
	next auth.UserStore
	cb   *gobreaker.CircuitBreaker
}

// Wrap returns next guarded by a breaker built from cfg.
func Wrap(next auth.UserStore, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, auth.ErrIdentityNotFound) ||
				errors.Is(err, context.Canceled)
		},
	}

	return &Store{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// GetByEmail implements auth.UserStore. While the breaker is open it fails
// immediately with gobreaker.ErrOpenState.
func (s *Store) GetByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	return s.execute(func() (*auth.Identity, error) { return s.next.GetByEmail(ctx, email) })
}

// GetByID implements auth.UserStore and shares the breaker with GetByEmail.
func (s *Store) GetByID(ctx context.Context, id string) (*auth.Identity, error) {
	return s.execute(func() (*auth.Identity, error) { return s.next.GetByID(ctx, id) })
}

func (s *Store) execute(fn func() (*auth.Identity, error)) (*auth.Identity, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return res.(*auth.Identity), nil
}

// State reports the breaker state.
func (s *Store) State() gobreaker.State {
	return s.cb.State()
}
