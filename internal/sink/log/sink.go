// Package logsink writes accepted items to a zap logger.
package logsink

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Sink logs each item at info level.
type Sink struct {
	logger   *zap.Logger
	accepted atomic.Int64
}

// New builds a Sink.
func New(logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{logger: logger}
}

// Accept implements crawler.ItemSink.
func (s *Sink) Accept(_ context.Context, item crawler.Item) error {
	s.accepted.Add(1)
	s.logger.Info("item", zap.Any("data", item.Data), zap.Any("metadata", item.Metadata))
	return nil
}

// Close logs the total and returns nil.
func (s *Sink) Close(context.Context) error {
	s.logger.Info("item sink closed", zap.Int64("items", s.accepted.Load()))
	return nil
}
