package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/formfleet/internal/adapter/observability"
	"github.com/fairyhunter13/formfleet/internal/domain"
)

// RetryPolicy bounds the retry budget for backing-store RPCs.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryingStore wraps a ClaimStore with bounded exponential-backoff retry
// on transient transport errors. Permanent errors (not-found, invalid
// input, cancelled context) surface immediately; budget exhaustion
// surfaces the last transport error to the caller.
type RetryingStore struct {
	inner  domain.ClaimStore
	policy RetryPolicy
}

// NewRetryingStore wraps the given store.
func NewRetryingStore(inner domain.ClaimStore, policy RetryPolicy) *RetryingStore {
	if policy.MaxRetries == 0 {
		policy.MaxRetries = 3
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 500 * time.Millisecond
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = 5 * time.Second
	}
	return &RetryingStore{inner: inner, policy: policy}
}

func (r *RetryingStore) retry(ctx domain.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.InitialInterval
	bo.MaxInterval = r.policy.MaxInterval
	attempt := 0
	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		attempt++
		observability.StoreRetriesTotal.WithLabelValues(op).Inc()
		return err
	}
	return backoff.Retry(wrapped, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), r.policy.MaxRetries))
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidArgument) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ClaimNext retries the claim RPC. A failed claim never loses work:
// nothing was reserved.
func (r *RetryingStore) ClaimNext(ctx domain.Context, targetDate string, campaignID int, runID string, limit int, shardID *int) ([]domain.Claim, error) {
	var claims []domain.Claim
	err := r.retry(ctx, "claim_next", func() error {
		var err error
		claims, err = r.inner.ClaimNext(ctx, targetDate, campaignID, runID, limit, shardID)
		return err
	})
	return claims, err
}

// FetchCompany retries the company read.
func (r *RetryingStore) FetchCompany(ctx domain.Context, companyID int) (domain.Company, error) {
	var c domain.Company
	err := r.retry(ctx, "fetch_company", func() error {
		var err error
		c, err = r.inner.FetchCompany(ctx, companyID)
		return err
	})
	return c, err
}

// MarkDone retries the terminal write. Safe: the write is idempotent.
func (r *RetryingStore) MarkDone(ctx domain.Context, p domain.MarkDoneParams) error {
	return r.retry(ctx, "mark_done", func() error {
		return r.inner.MarkDone(ctx, p)
	})
}

// CountToday retries the success count.
func (r *RetryingStore) CountToday(ctx domain.Context, campaignID int, targetDate string) (int, error) {
	var n int
	err := r.retry(ctx, "count_today", func() error {
		var err error
		n, err = r.inner.CountToday(ctx, campaignID, targetDate)
		return err
	})
	return n, err
}
