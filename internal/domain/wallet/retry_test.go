package wallet_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mwork/wallet-ledger/internal/domain/wallet"
)

func TestRetryOnConflict(t *testing.T) {
	policy := wallet.RetryPolicy{Attempts: 4, Base: time.Millisecond}

	t.Run("succeeds after conflicts", func(t *testing.T) {
		calls := 0
		res, err := wallet.RetryOnConflict(context.Background(), policy, func(context.Context) (*wallet.Result, error) {
			calls++
			if calls < 3 {
				return nil, wallet.ErrConcurrentModification
			}
			return &wallet.Result{Success: true}, nil
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		_, err := wallet.RetryOnConflict(context.Background(), policy, func(context.Context) (*wallet.Result, error) {
			calls++
			return nil, wallet.ErrConcurrentModification
		})
		require.ErrorIs(t, err, wallet.ErrConcurrentModification)
		require.Equal(t, 4, calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		_, err := wallet.RetryOnConflict(context.Background(), policy, func(context.Context) (*wallet.Result, error) {
			calls++
			return nil, boom
		})
		require.ErrorIs(t, err, boom)
		require.Equal(t, 1, calls)
	})

	t.Run("rejections are not retried", func(t *testing.T) {
		calls := 0
		res, err := wallet.RetryOnConflict(context.Background(), policy, func(context.Context) (*wallet.Result, error) {
			calls++
			return &wallet.Result{Error: &wallet.OperationError{Code: wallet.CodeInsufficientBalance}}, nil
		})
		require.NoError(t, err)
		require.False(t, res.Success)
		require.Equal(t, 1, calls)
	})

	t.Run("stops when context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		_, err := wallet.RetryOnConflict(ctx, wallet.RetryPolicy{Attempts: 5, Base: time.Hour}, func(context.Context) (*wallet.Result, error) {
			calls++
			cancel()
			return nil, wallet.ErrConcurrentModification
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, calls)
	})
}
