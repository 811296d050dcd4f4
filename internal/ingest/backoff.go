package ingest

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
)

// maxRetryAfter caps a provider's Retry-After hint
const maxRetryAfter = 2 * time.Minute

// retryAfterBackOff raises the next delay to the provider's Retry-After hint
// carried by the last error, when that hint is longer.
type retryAfterBackOff struct {
	backoff.BackOff
	lastErr *error
}

func (r *retryAfterBackOff) NextBackOff() time.Duration {
	next := r.BackOff.NextBackOff()
	if next == backoff.Stop || r.lastErr == nil {
		return next
	}
	hint := errs.RetryAfterOf(*r.lastErr)
	if hint > maxRetryAfter {
		hint = maxRetryAfter
	}
	if hint > next {
		return hint
	}
	return next
}

func newFetchBackOff(opts Options, lastErr *error) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = opts.BackoffInitial
	exp.MaxInterval = opts.BackoffMax
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := opts.FetchAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(&retryAfterBackOff{BackOff: exp, lastErr: lastErr}, uint64(retries))
}
