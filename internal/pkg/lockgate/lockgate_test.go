package lockgate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupRedisRegistry(t *testing.T, ttl time.Duration) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisRegistry(client, ttl), mr
}

func registries(t *testing.T) map[string]Registry {
	redisReg, _ := setupRedisRegistry(t, time.Minute)
	return map[string]Registry{
		"redis":  redisReg,
		"memory": NewMemoryRegistry(time.Minute),
	}
}

func TestRegistry_AcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := reg.Acquire(ctx, "topup:k1", "wallet")
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = reg.Acquire(ctx, "topup:k1", "wallet")
			require.NoError(t, err)
			require.False(t, ok, "second acquire must observe the reservation")
		})
	}
}

func TestRegistry_ReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := reg.Acquire(ctx, "deduct:k2", "wallet")
			require.NoError(t, err)
			require.True(t, ok)

			released, err := reg.Release(ctx, "deduct:k2", "wallet")
			require.NoError(t, err)
			require.True(t, released)

			ok, err = reg.Acquire(ctx, "deduct:k2", "wallet")
			require.NoError(t, err)
			require.True(t, ok)

			released, err = reg.Release(ctx, "missing", "wallet")
			require.NoError(t, err)
			require.False(t, released)
		})
	}
}

func TestRegistry_NamespacesAreIndependent(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ok, _ := reg.Acquire(ctx, "hold:h1", "wallet")
			require.True(t, ok)
			ok, _ = reg.Acquire(ctx, "hold:h1", "billing")
			require.True(t, ok)
		})
	}
}

func TestRegistry_EmptyKey(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Acquire(ctx, " ", "wallet")
			require.ErrorIs(t, err, ErrEmptyKey)
		})
	}
}

func TestRedisRegistry_ReservationExpires(t *testing.T) {
	reg, mr := setupRedisRegistry(t, time.Minute)
	ctx := context.Background()

	ok, err := reg.Acquire(ctx, "refund:r1", "wallet")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists("lock:v1:wallet:refund:r1"))

	mr.FastForward(2 * time.Minute)

	ok, err = reg.Acquire(ctx, "refund:r1", "wallet")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisRegistry_SurfacesBackendErrors(t *testing.T) {
	reg, mr := setupRedisRegistry(t, time.Minute)
	mr.Close()

	_, err := reg.Acquire(context.Background(), "topup:k9", "wallet")
	require.Error(t, err)
}

func TestMemoryRegistry_ReservationExpires(t *testing.T) {
	reg := NewMemoryRegistry(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	ok, _ := reg.Acquire(context.Background(), "k", "ns")
	require.True(t, ok)
	require.True(t, reg.Held("k", "ns"))

	now = now.Add(2 * time.Minute)
	require.False(t, reg.Held("k", "ns"))
	ok, _ = reg.Acquire(context.Background(), "k", "ns")
	require.True(t, ok)
}

func TestRegistry_ConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			var winners int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := reg.Acquire(ctx, "topup:race", "wallet")
					if err != nil {
						t.Errorf("acquire: %v", err)
						return
					}
					if ok {
						atomic.AddInt32(&winners, 1)
					}
				}()
			}
			wg.Wait()
			require.EqualValues(t, 1, winners)
		})
	}
}
