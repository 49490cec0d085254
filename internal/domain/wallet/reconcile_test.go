package wallet

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type gaugeValue struct {
	n int
}

func (g *gaugeValue) SetDiscrepancies(n int) { g.n = n }

func TestReconciler_SweepAcrossPages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var drifted []uuid.UUID
	for i := 0; i < 5; i++ {
		now := time.Now().UTC()
		w, err := store.CreateWallet(ctx, &Wallet{
			ID:        uuid.New(),
			UserID:    uuid.NullUUID{UUID: uuid.New(), Valid: true},
			Currency:  "KZT",
			Status:    StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		})
		require.NoError(t, err)

		require.NoError(t, store.UpdateWallet(ctx, w, WalletUpdate{Balance: 10, UpdatedAt: now}))
		if i%2 == 0 {
			drifted = append(drifted, w.ID)
			continue
		}
		require.NoError(t, store.InsertTransaction(ctx, &Transaction{
			ID:             uuid.New(),
			WalletID:       w.ID,
			Type:           TransactionTypeTopUp,
			Direction:      DirectionCredit,
			Amount:         10,
			BalanceAfter:   10,
			IdempotencyKey: "topup:seed",
			CreatedAt:      now,
		}))
	}

	gauge := &gaugeValue{n: -1}
	r := NewReconciler(store, gauge)
	r.pageSize = 2

	found, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, found, len(drifted))
	require.Equal(t, len(drifted), gauge.n)

	got := make(map[uuid.UUID]Discrepancy)
	for _, d := range found {
		got[d.WalletID] = d
	}
	for _, id := range drifted {
		d, ok := got[id]
		require.True(t, ok, "wallet %s not reported", id)
		require.Equal(t, int64(1), d.Version)
		require.Zero(t, d.Rows)
		require.Equal(t, int64(1), d.Missing)
	}
}

func TestReconciler_EmptyStore(t *testing.T) {
	gauge := &gaugeValue{n: -1}
	found, err := NewReconciler(NewMemoryStore(), gauge).Sweep(context.Background())
	require.NoError(t, err)
	require.Empty(t, found)
	require.Zero(t, gauge.n)
}

func TestRedisGapNotifier(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, ReconcileChannel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, NewRedisGapNotifier(client).NotifyLedgerGap(ctx, id))

	select {
	case msg := <-sub.Channel():
		require.Equal(t, id.String(), msg.Payload)
	case <-ctx.Done():
		t.Fatal("no reconcile wake-up received")
	}
}
