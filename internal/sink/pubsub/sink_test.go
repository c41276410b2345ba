package pubsubsink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/id/uuid"
	"github.com/JakeFAU/crawlcore/internal/sink"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time                            { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
func (fixedClock) Sleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestSinkPublishesItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "items")
	require.NoError(t, err)

	s, err := NewWithClient(ctx, client, Config{TopicName: "items", RunID: "run-1"}, uuid.New(), fixedClock{}, nil)
	require.NoError(t, err)

	it := crawler.NewItem()
	it.Data["url"] = "https://example.com/"
	require.NoError(t, s.Accept(ctx, it))
	require.NoError(t, s.Close(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "run-1", msgs[0].Attributes["run_id"])
	var rec sink.Record
	require.NoError(t, json.Unmarshal(msgs[0].Data, &rec))
	require.Equal(t, "https://example.com/", rec.Data["url"])
	require.Equal(t, msgs[0].Attributes["item_id"], rec.ID)
}

func TestSinkRequiresExistingTopic(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	_, err := NewWithClient(context.Background(), client, Config{TopicName: "missing"}, uuid.New(), fixedClock{}, nil)
	require.Error(t, err)

	_, err = New(context.Background(), Config{}, uuid.New(), fixedClock{}, nil)
	require.Error(t, err)
}
