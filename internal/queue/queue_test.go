package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

func TestNewMemoryBackend(t *testing.T) {
	t.Parallel()

	backend, err := New(context.Background(), Config{MaxSize: 3, PersistSeen: true}, nil)
	require.NoError(t, err)
	require.False(t, backend.Shared)
	require.Nil(t, backend.Seen)
	require.Equal(t, 3, backend.Queue.MaxSize())
	require.NoError(t, backend.Release())
}

func TestNewRedisBackend(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	backend, err := New(context.Background(), Config{
		Backend:     BackendRedis,
		PersistSeen: true,
		Redis:       RedisConfig{Addr: mr.Addr(), Key: "factory"},
	}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, backend.Release()) }()

	require.True(t, backend.Shared)
	require.NotNil(t, backend.Seen)

	ctx := context.Background()
	require.NoError(t, backend.Queue.Put(ctx, crawler.NewRequest("https://example.com/", 1), 1))
	size, err := backend.Queue.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Backend: "kafka"}, nil)
	require.Error(t, err)

	_, err = New(context.Background(), Config{Backend: BackendRedis}, nil)
	require.Error(t, err)
}
