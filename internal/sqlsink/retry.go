package sqlsink

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryConfig configures retry behavior for transient database errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// sqlite result codes worth retrying.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// postgres error codes worth retrying.
var transientPgCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

// isTransient reports errors a retry of the same statement can overcome.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPgCodes[pgErr.Code]
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		primary := coded.Code() & 0xff
		return primary == sqliteBusy || primary == sqliteLocked
	}
	return false
}

// RetryWriter repeats failed Insert calls of a writer whose Insert is atomic,
// such as ExecWriter.
type RetryWriter struct {
	inner  InsertWriter
	config *RetryConfig
}

// NewRetryWriter wraps inner. A nil cfg uses DefaultRetryConfig.
func NewRetryWriter(inner InsertWriter, cfg *RetryConfig) *RetryWriter {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryWriter{inner: inner, config: cfg}
}

// backoff computes the delay for the given attempt with jitter.
func (rw *RetryWriter) backoff(attempt int) time.Duration {
	base := float64(rw.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(rw.config.MaxBackoff) {
		base = float64(rw.config.MaxBackoff)
	}
	jitter := base * rw.config.JitterFraction * (rand.Float64()*2 - 1)
	return max(time.Duration(base+jitter), 0)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rw *RetryWriter) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rw.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt < rw.config.MaxRetries {
			if err := sleep(ctx, rw.backoff(attempt)); err != nil {
				return fmt.Errorf("%s: %w (retry canceled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, rw.config.MaxRetries)
}

func (rw *RetryWriter) Insert(ctx context.Context, table string, columns []string, rows [][]any) error {
	return rw.retry(ctx, "insert into "+table, func() error {
		return rw.inner.Insert(ctx, table, columns, rows)
	})
}

func (rw *RetryWriter) Close() error { return rw.inner.Close() }
