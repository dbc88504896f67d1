package replication

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/corviddb/corvid/internal/corvidlog"
)

// Retryer retries a func until it succeeds, returns a non-retryable error,
// exhausts maxAttempts, or its context is canceled, backing off
// exponentially between attempts. Ported from the teacher's
// replication.Retryer; maxAttempts <= 0 keeps the teacher's original
// unbounded behavior, while the Destination Worker's first-failure-
// retry-once policy (spec §4.7) is maxAttempts == 2: a one-shot use of the
// same primitive.
type Retryer struct {
	retryFunc    func(ctx context.Context) error
	interval     time.Duration
	backoffCoeff int
	maxAttempts  int
}

// NewRetryer builds a Retryer around retryFunc, backing off by
// interval*backoffCoeff^attempt between retryable failures. maxAttempts
// bounds the total number of calls to retryFunc; 0 or negative means
// unlimited.
func NewRetryer(retryFunc func(ctx context.Context) error, interval time.Duration, backoffCoeff, maxAttempts int) *Retryer {
	return &Retryer{
		retryFunc:    retryFunc,
		interval:     interval,
		backoffCoeff: backoffCoeff,
		maxAttempts:  maxAttempts,
	}
}

// Run tries retryFunc until it succeeds, returns a non-retryable error,
// exhausts maxAttempts, or ctx is canceled.
func (r *Retryer) Run(ctx context.Context) error {
	cnt := -1
	for {
		cnt++
		select {
		case <-ctx.Done():
			return errors.New("context canceled")
		default:
			err := r.retryFunc(ctx)
			if err == nil {
				return nil
			}

			if !errors.Is(err, ErrRetryable) {
				corvidlog.Warn("caught a non-retryable error: %v", err)
				return err
			}

			if r.maxAttempts > 0 && cnt+1 >= r.maxAttempts {
				corvidlog.Warn("exhausted %d attempt(s), giving up: %v", r.maxAttempts, err)
				return err
			}

			interval := retryInterval(r.interval, r.backoffCoeff, cnt)
			corvidlog.Warn("caught a retryable error, retrying after %dms: %v",
				interval.Milliseconds(), err)
			select {
			case <-ctx.Done():
				return errors.New("context canceled")
			case <-time.After(interval):
			}
			continue
		}
	}
}

func retryInterval(interval time.Duration, backoffCoeff, retryCount int) time.Duration {
	coeff := math.Pow(float64(backoffCoeff), float64(retryCount))
	intervalMilliSec := float64(interval.Milliseconds())
	return time.Duration(intervalMilliSec*coeff) * time.Millisecond
}
