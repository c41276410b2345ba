// Package pubsubsink publishes accepted items to a Google Cloud Pub/Sub topic.
package pubsubsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/sink"
)

// Config names the topic and the run whose items are published.
type Config struct {
	ProjectID string
	TopicName string
	RunID     string
}

// Sink publishes one JSON message per item and waits for the server ack.
type Sink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	ids    crawler.IDGenerator
	clock  crawler.Clock
	runID  string
	owned  bool
	logger *zap.Logger
}

// New dials Pub/Sub and verifies the topic exists.
func New(ctx context.Context, cfg Config, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) (*Sink, error) {
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		return nil, errors.New("project id and topic name are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	s, err := NewWithClient(ctx, client, cfg, ids, clock, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewWithClient builds a Sink on an existing client, which the caller keeps
// ownership of.
func NewWithClient(
	ctx context.Context,
	client *pubsub.Client,
	cfg Config,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Sink, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if ids == nil || clock == nil {
		return nil, errors.New("id generator and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	topic := client.Topic(cfg.TopicName)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", cfg.TopicName, err)
	}
	if !ok {
		return nil, fmt.Errorf("topic %q does not exist", cfg.TopicName)
	}
	return &Sink{
		client: client,
		topic:  topic,
		ids:    ids,
		clock:  clock,
		runID:  cfg.RunID,
		logger: logger,
	}, nil
}

// Accept implements crawler.ItemSink.
func (s *Sink) Accept(ctx context.Context, item crawler.Item) error {
	rec, err := sink.NewRecord(s.ids, s.clock, s.runID, item)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id":  rec.RunID,
			"item_id": rec.ID,
		},
	}
	id, err := s.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish item: %w", err)
	}
	s.logger.Debug("item published", zap.String("message_id", id), zap.String("item_id", rec.ID))
	return nil
}

// Close flushes outstanding publishes and releases the client if owned.
func (s *Sink) Close(context.Context) error {
	s.topic.Stop()
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
