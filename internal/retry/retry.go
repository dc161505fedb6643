// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	sslog "github.com/gxo-labs/statesync/pkg/statesync/v1/log"
)

// Operation is a unit of work that may be attempted more than once.
type Operation func(ctx context.Context) error

// Config controls the retry loop.
type Config struct {
	// Attempts is the total number of tries, at least 1.
	Attempts      int
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter is a fraction in [0,1] applied symmetrically to each delay.
	Jitter float64
	// Retryable decides whether an error is worth another attempt. nil
	// retries every error.
	Retryable func(error) bool
	// Name is added to log lines.
	Name string
}

// Helper executes operations according to a Config.
type Helper struct {
	log sslog.Logger

	randMu     sync.Mutex
	randSource *rand.Rand
}

// NewHelper panics on a nil logger.
func NewHelper(log sslog.Logger) *Helper {
	if log == nil {
		panic("retry.NewHelper requires a non-nil logger")
	}
	return &Helper{
		log:        log,
		randSource: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. The last error is returned unchanged so callers
// can inspect it with errors.As.
func (h *Helper) Do(ctx context.Context, cfg Config, op Operation) error {
	cfg = normalize(cfg)
	prefix := ""
	if cfg.Name != "" {
		prefix = cfg.Name + ": "
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return fmt.Errorf("%sretry cancelled after %d attempts: %w", prefix, attempt-1, lastErr)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 {
				h.log.Debugf("%ssucceeded on attempt %d/%d", prefix, attempt, cfg.Attempts)
			}
			return nil
		}
		if attempt == cfg.Attempts || (cfg.Retryable != nil && !cfg.Retryable(lastErr)) {
			return lastErr
		}

		wait := h.delay(cfg, attempt)
		h.log.Warnf("%sattempt %d/%d failed, retrying in %v: %v",
			prefix, attempt, cfg.Attempts, wait.Truncate(time.Millisecond), lastErr)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%sretry cancelled after %d attempts: %w", prefix, attempt, lastErr)
		}
	}
	return lastErr
}

func normalize(cfg Config) Config {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 1.0
	}
	cfg.Jitter = math.Max(0, math.Min(1, cfg.Jitter))
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxDelay < 0 {
		cfg.MaxDelay = 0
	}
	return cfg
}

// delay is the wait before attempt+1.
func (h *Helper) delay(cfg Config, attempt int) time.Duration {
	base := float64(cfg.Delay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if base > float64(math.MaxInt64) {
		base = float64(math.MaxInt64)
	}
	wait := time.Duration(base)

	if cfg.Jitter > 0 {
		h.randMu.Lock()
		factor := cfg.Jitter * (h.randSource.Float64()*2.0 - 1.0)
		h.randMu.Unlock()
		wait += time.Duration(float64(wait) * factor)
		if wait < 0 {
			wait = 0
		}
	}
	if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
		wait = cfg.MaxDelay
	}
	return wait
}
