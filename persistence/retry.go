package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/clock"
)

// isBusyErr reports a sqlite SQLITE_BUSY/SQLITE_LOCKED condition, the only
// class of error worth retrying at the store level; every other sqlite
// error indicates a bug in the calling code or a corrupt database.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// withBusyRetry runs fn, retrying with exponential backoff while fn
// returns a busy/locked error, up to cfg.BusyRetryCap attempts.
func withBusyRetry(ctx context.Context, cl clock.Clock, cfg ciris.PersistenceConfig, fn func() error) error {
	delay := cfg.BusyRetryBase
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	maxDelay := cfg.BusyRetryMax
	if maxDelay <= 0 {
		maxDelay = time.Second
	}
	attempts := cfg.BusyRetryCap
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		wait := time.Duration(float64(delay) * math.Pow(2, float64(attempt-1)))
		if wait > maxDelay {
			wait = maxDelay
		}
		timer := cl.NewTimer(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C():
		}
	}
	return fmt.Errorf("persistence: exceeded %d busy-retry attempts: %w", attempts, lastErr)
}

// isNoRows reports sql.ErrNoRows so callers can translate it to the
// taxonomy's not-found kind uniformly.
func isNoRows(err error) bool { return err == sql.ErrNoRows }
