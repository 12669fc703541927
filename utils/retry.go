package utils

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RetryPolicy is shared by status polling, correlation polling, playlist
// fetching and segment downloading.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay, 0..1
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Do stops retrying at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// NewBackOff returns the delays between attempts: doubling from BaseDelay,
// capped at MaxDelay, spread by Jitter.
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	maxInterval := p.MaxDelay
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Do calls fn until it succeeds, returns a Permanent error, the context is
// done or MaxAttempts is reached. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, logger *log.Entry, what string, fn func(ctx context.Context) error) error {
	attempts := p.attempts()
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.NewBackOff(), uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, delay time.Duration) {
		if logger != nil {
			logger.WithError(err).Debugf("%s failed (attempt %d/%d), retrying in %s", what, attempt, attempts, delay)
		}
	})
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrapf(err, "%s failed after %d attempts", what, attempt)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
