// Package retry provides configurable retry logic with backoff for transient
// failures of external dependencies.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
)

// Config holds retry configuration
type Config struct {
	Name        string
	MaxAttempts int
	Delays      []time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// retries only dependency errors.
	Retryable func(error) bool
}

// DependencyOnly retries errors classified as types.ErrDependency
func DependencyOnly(err error) bool {
	return errors.Is(err, types.ErrDependency)
}

// WithRetry executes fn up to MaxAttempts times, waiting Delays[i] before
// attempt i+1 and reusing the last delay once they run out. Errors that are
// not retryable are returned immediately.
func WithRetry(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = DependencyOnly
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		// Apply delay before retry (not before first attempt)
		if attempt > 0 && len(cfg.Delays) > 0 {
			delayIndex := attempt - 1
			if delayIndex >= len(cfg.Delays) {
				delayIndex = len(cfg.Delays) - 1 // Use last delay if we run out
			}
			delay := cfg.Delays[delayIndex]

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), lastErr))
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt+1 < cfg.MaxAttempts {
			logrus.WithFields(logrus.Fields{
				"operation": cfg.Name,
				"attempt":   attempt + 1,
				"max":       cfg.MaxAttempts,
			}).WithError(err).Warn("Attempt failed, retrying")
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
