package main

import (
	"context"
	"fmt"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	blobsink "github.com/JakeFAU/crawlcore/internal/sink/blob"
	logsink "github.com/JakeFAU/crawlcore/internal/sink/log"
	memorysink "github.com/JakeFAU/crawlcore/internal/sink/memory"
	postgressink "github.com/JakeFAU/crawlcore/internal/sink/postgres"
	pubsubsink "github.com/JakeFAU/crawlcore/internal/sink/pubsub"
	"github.com/JakeFAU/crawlcore/internal/storage"
	"github.com/JakeFAU/crawlcore/internal/storage/gcs"
	"github.com/JakeFAU/crawlcore/internal/storage/local"
)

// itemSink pairs the configured sink with the clients it depends on, which
// are released after the sink is closed.
type itemSink struct {
	crawler.ItemSink
	release func() error
}

// Release closes any client the sink was built on.
func (s itemSink) Release() error {
	if s.release == nil {
		return nil
	}
	return s.release()
}

// buildItemSink constructs the sink selected by sink.kind.
func buildItemSink(
	ctx context.Context,
	cfg config.Config,
	runID string,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) (itemSink, error) {
	logger = logger.Named("sink").With(zap.String("kind", cfg.Sink.Kind))
	switch cfg.Sink.Kind {
	case "", config.SinkLog:
		return itemSink{ItemSink: logsink.New(logger)}, nil
	case config.SinkMemory:
		return itemSink{ItemSink: memorysink.New()}, nil
	case config.SinkFile:
		store, err := local.New(local.Config{BaseDir: cfg.Sink.Dir})
		if err != nil {
			return itemSink{}, fmt.Errorf("open local blob store: %w", err)
		}
		return newBlobSink(store, cfg, runID, ids, clock, logger, nil)
	case config.SinkGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return itemSink{}, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(ctx, client, gcs.Config{Bucket: cfg.Sink.GCSBucket, VerifyBucket: true})
		if err != nil {
			_ = client.Close()
			return itemSink{}, fmt.Errorf("open gcs blob store: %w", err)
		}
		return newBlobSink(store, cfg, runID, ids, clock, logger, client.Close)
	case config.SinkPubSub:
		s, err := pubsubsink.New(ctx, pubsubsink.Config{
			ProjectID: cfg.PubSub.ProjectID,
			TopicName: cfg.PubSub.TopicName,
			RunID:     runID,
		}, ids, clock, logger)
		if err != nil {
			return itemSink{}, fmt.Errorf("open pubsub sink: %w", err)
		}
		return itemSink{ItemSink: s}, nil
	case config.SinkPostgres:
		s, err := postgressink.New(ctx, postgressink.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.Sink.Table,
			RunID:    runID,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		}, ids, clock)
		if err != nil {
			return itemSink{}, fmt.Errorf("open postgres sink: %w", err)
		}
		return itemSink{ItemSink: s}, nil
	default:
		return itemSink{}, fmt.Errorf("sink kind %q is not supported", cfg.Sink.Kind)
	}
}

func newBlobSink(
	store storage.BlobStore,
	cfg config.Config,
	runID string,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
	release func() error,
) (itemSink, error) {
	s, err := blobsink.New(store, ids, clock, blobsink.Config{
		Prefix:    cfg.Sink.Prefix,
		RunID:     runID,
		BatchSize: cfg.Sink.BatchSize,
	}, logger)
	if err != nil {
		if release != nil {
			_ = release()
		}
		return itemSink{}, fmt.Errorf("build blob sink: %w", err)
	}
	return itemSink{ItemSink: s, release: release}, nil
}
