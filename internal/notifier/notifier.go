// Package notifier delivers operator messages. Delivery is best-effort: the
// trading loop never depends on a message getting through.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Notifier sends a human-readable message to an operator channel.
type Notifier interface {
	Send(msg string) error
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(msg string) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewChain builds the process notifier: local always receives each message
// once, and every remote sink is retried on its own so a failing channel never
// makes a healthy one see duplicates.
func NewChain(local Notifier, remotes []Notifier, attempts int, delay time.Duration, logger *zap.Logger) *BestEffort {
	sinks := Multi{local}
	for _, r := range remotes {
		sinks = append(sinks, NewRetrying(r, attempts, delay, logger))
	}
	return NewBestEffort(sinks, logger)
}

// Retrying re-sends failed messages with a constant delay.
type Retrying struct {
	inner    Notifier
	attempts uint
	delay    time.Duration
	logger   *zap.Logger
}

func NewRetrying(inner Notifier, attempts int, delay time.Duration, logger *zap.Logger) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{inner: inner, attempts: uint(attempts), delay: delay, logger: logger.Named("notifier")}
}

func (r *Retrying) Send(msg string) error {
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, r.inner.Send(msg)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.delay)),
		backoff.WithMaxTries(r.attempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("notification failed, retrying", zap.Duration("backoff", wait), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("send notification after %d attempts: %w", r.attempts, err)
	}
	return nil
}

// BestEffort swallows delivery failures and panics, logging them instead.
type BestEffort struct {
	inner  Notifier
	logger *zap.Logger
}

func NewBestEffort(inner Notifier, logger *zap.Logger) *BestEffort {
	return &BestEffort{inner: inner, logger: logger.Named("notifier")}
}

// Send always returns nil.
func (b *BestEffort) Send(msg string) error {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notifier panicked", zap.Any("panic", r), zap.String("message", msg))
		}
	}()
	if err := b.inner.Send(msg); err != nil {
		b.logger.Error("notification dropped", zap.String("message", msg), zap.Error(err))
	}
	return nil
}

// LogNotifier writes messages to the log. Used when no remote channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) Send(msg string) error {
	l.logger.Info(msg)
	return nil
}
