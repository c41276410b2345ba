package blobsink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/id/uuid"
	"github.com/JakeFAU/crawlcore/internal/sink"
	"github.com/JakeFAU/crawlcore/internal/storage/memory"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time                            { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
func (fixedClock) Sleep(context.Context, time.Duration) error { return nil }

func item(n int) crawler.Item {
	it := crawler.NewItem()
	it.Data["n"] = n
	return it
}

func decode(t *testing.T, data []byte) []sink.Record {
	t.Helper()
	var out []sink.Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var rec sink.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestSinkBatchesAndFlushesOnClose(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	s, err := New(store, uuid.New(), fixedClock{}, Config{Prefix: "items", RunID: "run-1", BatchSize: 2}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, s.Accept(ctx, item(i)))
	}
	require.Equal(t, []string{"items/run-1/000000.jsonl"}, store.Paths())

	require.NoError(t, s.Close(ctx))
	require.Equal(t, []string{"items/run-1/000000.jsonl", "items/run-1/000001.jsonl"}, store.Paths())
	require.Equal(t, []string{"memory://items/run-1/000000.jsonl", "memory://items/run-1/000001.jsonl"}, s.Objects())

	first, _ := store.Object("items/run-1/000000.jsonl")
	recs := decode(t, first)
	require.Len(t, recs, 2)
	require.Equal(t, "run-1", recs[0].RunID)
	require.NotEmpty(t, recs[0].ID)
	require.InDelta(t, 1.0, recs[1].Data["n"], 0)

	require.ErrorIs(t, s.Accept(ctx, item(9)), ErrClosed)
	require.NoError(t, s.Close(ctx))
}

type flakyStore struct {
	fail  bool
	inner *memory.BlobStore
}

func (f *flakyStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	if f.fail {
		return "", errors.New("bucket unavailable")
	}
	return f.inner.PutObject(ctx, path, contentType, r)
}

func TestSinkRetainsBatchOnWriteFailure(t *testing.T) {
	t.Parallel()

	store := &flakyStore{fail: true, inner: memory.NewBlobStore()}
	s, err := New(store, uuid.New(), fixedClock{}, Config{RunID: "run-2", BatchSize: 1}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.Error(t, s.Accept(ctx, item(1)))
	store.fail = false
	require.NoError(t, s.Accept(ctx, item(2)))

	data, ok := store.inner.Object("run-2/000000.jsonl")
	require.True(t, ok)
	require.Len(t, decode(t, data), 2)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, uuid.New(), fixedClock{}, Config{RunID: "r"}, nil)
	require.Error(t, err)
	_, err = New(memory.NewBlobStore(), uuid.New(), fixedClock{}, Config{}, nil)
	require.Error(t, err)
}
