package app

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds retries of store writes.
type RetryPolicy struct {
	Retries uint64
	Initial time.Duration
	Max     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: 4, Initial: 100 * time.Millisecond, Max: 2 * time.Second}
}

// Do runs op until it succeeds, fails permanently, or the retry budget is
// spent. The last error is returned unwrapped.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0

	var permanent error
	attempt := func() error {
		err := fn(ctx)
		if err != nil && !retryable(ctx, err) {
			permanent = err
			return nil
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Str("module", "app.retry").Str("op", op).Dur("next", next).Msg("store write failed, retrying")
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(b, p.Retries), ctx), notify)
	if permanent != nil {
		return permanent
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return ctx.Err()
	}
	return err
}

// retryable is false for conditions a retry cannot change.
func retryable(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, core.ErrAlreadyExists),
		errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrInvalidPath),
		domain.KindOf(err) != 0:
		return false
	}
	return true
}
