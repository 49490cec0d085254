package wallet

import (
	"context"
	"errors"
	"time"
)

type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Base: 20 * time.Millisecond}

// RetryOnConflict runs fn until it stops failing with ErrConcurrentModification,
// doubling the delay between attempts. Every other outcome is returned as is.
func RetryOnConflict(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Base <= 0 {
		p.Base = DefaultRetryPolicy.Base
	}

	delay := p.Base
	var (
		res *Result
		err error
	)
	for i := 1; i <= p.Attempts; i++ {
		res, err = fn(ctx)
		if !errors.Is(err, ErrConcurrentModification) {
			return res, err
		}
		if i == p.Attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return res, err
}
