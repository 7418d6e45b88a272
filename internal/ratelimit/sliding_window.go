package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/r2r72/authcore/internal/clock"
)

// SlidingWindow is an in-process Limiter. Each key owns its own mutex, so
// concurrent attempts for one key serialize while different keys proceed
// independently; the shared map lock is held only to find a key's window.
type SlidingWindow struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	windows map[string]*window
}

// window holds one key's admitted attempts in ascending order.
type window struct {
	mu      sync.Mutex
	hits    []time.Time
	evicted bool
}

// NewSlidingWindow returns an in-memory sliding window limiter.
func NewSlidingWindow(cfg Config, clk clock.Clock, logger *zap.Logger) (*SlidingWindow, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SlidingWindow{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		windows: make(map[string]*window),
	}, nil
}

// Admit implements Limiter. It never returns an error.
func (l *SlidingWindow) Admit(_ context.Context, key string) (bool, error) {
	for {
		w := l.lookup(key)

		w.mu.Lock()
		if w.evicted {
			// Swept between lookup and lock; the map now holds a fresh window.
			w.mu.Unlock()
			continue
		}

		now := l.clock.Now()
		w.prune(now.Add(-l.cfg.Window))
		if len(w.hits) >= l.cfg.MaxAttempts {
			w.mu.Unlock()
			return false, nil
		}
		w.hits = append(w.hits, now)
		w.mu.Unlock()
		return true, nil
	}
}

func (l *SlidingWindow) lookup(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

// prune drops hits at or before cutoff. Callers hold w.mu.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

// Sweep evicts keys whose windows are empty after pruning and returns how
// many were removed. Keys with attempts still inside the window are kept.
func (l *SlidingWindow) Sweep() int {
	cutoff := l.clock.Now().Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.hits) == 0 {
			w.evicted = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *SlidingWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run sweeps every interval until ctx is done.
func (l *SlidingWindow) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.cfg.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("rate limit windows evicted", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
