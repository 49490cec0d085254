package database

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := NewRedis("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer CloseRedis(client)
	require.Equal(t, 25, client.Options().PoolSize)

	_, err = NewRedis("")
	require.Error(t, err)

	_, err = NewRedis("http://not-redis")
	require.Error(t, err)
}

func TestNewRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedis("redis://" + addr + "/0")
	require.Error(t, err)
}
