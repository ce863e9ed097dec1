package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seantiz/shardline/internal/model"
)

// DefaultMaxAttempts is the number of submission attempts made for a job
// before its handle is marked failed.
const DefaultMaxAttempts = 3

// RetryPolicy bounds SubmitWithRetry.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.attempts()-1)), ctx)
}

// Permanent wraps err so that SubmitWithRetry stops retrying immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// SubmitWithRetry submits spec to b, retrying transient failures until the
// policy's attempt budget is spent. It never returns an error: the outcome of
// the last attempt is recorded on the returned handle.
func SubmitWithRetry(ctx context.Context, b Backend, spec JobSpec, policy RetryPolicy, logger *slog.Logger) JobHandle {
	h := JobHandle{
		Key:         spec.Key,
		RunIndex:    spec.RunIndex,
		ShardIndex:  spec.ShardIndex,
		SubmittedAt: time.Now().UTC(),
	}

	op := func() error {
		h.Attempts++
		id, err := b.Submit(ctx, spec)
		if err != nil {
			logger.Warn("matrix submission failed",
				"job_key", spec.Key,
				"attempt", h.Attempts,
				"max_attempts", policy.attempts(),
				"error", err,
			)
			return err
		}
		h.MatrixID = id
		return nil
	}

	if err := backoff.Retry(op, policy.backOff(ctx)); err != nil {
		h.Outcome = model.OutcomeFailed
		h.Error = err.Error()
		return h
	}

	h.Outcome = model.OutcomeAccepted
	return h
}
