package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Policy enforces the abuse limits checked before an operation takes its lock.
// Both checks read committed ledger rows, so concurrent requests can slip past
// the bound by the number of operations in flight.
type Policy struct {
	store           Store
	debitLimit      int
	debitWindow     time.Duration
	dailyTopupLimit int64
	location        *time.Location
	now             func() time.Time
}

func NewPolicy(store Store, cfg Config) *Policy {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Policy{
		store:           store,
		debitLimit:      cfg.DebitRateLimit,
		debitWindow:     cfg.DebitRateWindow,
		dailyTopupLimit: cfg.DailyTopupLimit,
		location:        loc,
		now:             now,
	}
}

// CheckDebitRate rejects a debit when the wallet already has debitLimit debit
// rows inside the trailing window. A non-positive limit disables the check.
func (p *Policy) CheckDebitRate(ctx context.Context, walletID uuid.UUID) (*OperationError, error) {
	if p.debitLimit <= 0 || p.debitWindow <= 0 {
		return nil, nil
	}
	count, err := p.store.CountDebitsSince(ctx, walletID, p.now().Add(-p.debitWindow))
	if err != nil {
		return nil, err
	}
	if count >= p.debitLimit {
		return newOpError(CodeRateLimitExceeded,
			fmt.Sprintf("at most %d debits per %s", p.debitLimit, p.debitWindow)), nil
	}
	return nil, nil
}

// CheckDailyTopup rejects a top-up that would push today's top-up total past
// the daily limit. The day starts at local midnight in the policy location.
func (p *Policy) CheckDailyTopup(ctx context.Context, walletID uuid.UUID, amount int64) (*OperationError, error) {
	if p.dailyTopupLimit <= 0 {
		return nil, nil
	}
	sum, err := p.store.SumTopupsSince(ctx, walletID, p.startOfDay())
	if err != nil {
		return nil, err
	}
	if sum+amount > p.dailyTopupLimit {
		remaining := p.dailyTopupLimit - sum
		if remaining < 0 {
			remaining = 0
		}
		return &OperationError{
			Code:      CodeDailyTopupLimitExceeded,
			Message:   fmt.Sprintf("daily top-up limit is %d", p.dailyTopupLimit),
			Required:  amount,
			Available: remaining,
		}, nil
	}
	return nil, nil
}

func (p *Policy) startOfDay() time.Time {
	now := p.now().In(p.location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, p.location)
}
