package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := New(client, cfg)
	require.NoError(t, err)
	return q, mr
}

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Config{Key: "test"})

	for _, tc := range []struct {
		url      string
		priority int
	}{
		{"https://example.com/a", 10},
		{"https://example.com/b", 10},
		{"https://example.com/c", 20},
		{"https://example.com/d", 1},
	} {
		require.NoError(t, q.Put(ctx, crawler.NewRequest(tc.url, tc.priority), tc.priority))
	}

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, size)

	var got []string
	for range 4 {
		req, err := q.Get(ctx)
		require.NoError(t, err)
		got = append(got, req.URL)
	}
	require.Equal(t, []string{
		"https://example.com/c",
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/d",
	}, got)
}

func TestQueueCapacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Config{MaxSize: 1})
	require.NoError(t, q.Put(ctx, crawler.NewRequest("https://example.com/1", 0), 0))
	require.ErrorIs(t, q.Put(ctx, crawler.NewRequest("https://example.com/2", 0), 0), crawler.ErrQueueFull)
}

func TestQueueMalformedMember(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, mr := newTestQueue(t, Config{Key: "bad"})
	_, err := mr.ZAdd("bad:queue", 0, "00000000000000000001|{broken")
	require.NoError(t, err)

	_, ok, err := q.TryGet(ctx)
	require.False(t, ok)
	require.ErrorIs(t, err, crawler.ErrMalformedWorkUnit)
}

func TestQueueGetAfterClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Config{PollInterval: 5 * time.Millisecond})
	require.NoError(t, q.Put(ctx, crawler.NewRequest("https://example.com/", 0), 0))
	require.NoError(t, q.Close(ctx))
	require.ErrorIs(t, q.Put(ctx, crawler.NewRequest("https://example.com/x", 0), 0), crawler.ErrQueueClosed)

	_, err := q.Get(ctx)
	require.NoError(t, err)
	_, err = q.Get(ctx)
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
}

func TestQueueClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Config{})
	for i := range 3 {
		require.NoError(t, q.Put(ctx, crawler.NewRequest("https://example.com/", i), i))
	}
	n, err := q.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestSeenStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Config{Key: "seen"})
	store := q.SeenStore()

	fp := crawler.Fingerprint{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, store.Record(ctx, fp))
	require.NoError(t, store.Record(ctx, fp))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []crawler.Fingerprint{fp}, loaded)
}
