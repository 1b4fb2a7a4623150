// Package exchange adapter
package exchange

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// parseDecimal reads an exchange-formatted number, treating garbage as zero.
func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// retry runs fn up to attempts times with exponential backoff, returning the
// last error. Used for idempotent reads only.
func retry(ctx context.Context, logger *zap.Logger, attempts int, delay time.Duration, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.MaxInterval = 5 * time.Minute

	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		wait := b.NextBackOff()
		logger.Warn("retry attempt failed",
			zap.Int("attempt", i),
			zap.Int("attempts", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
