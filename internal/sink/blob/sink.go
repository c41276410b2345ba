// Package blobsink batches items into JSON-lines objects on a blob store.
package blobsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/sink"
	"github.com/JakeFAU/crawlcore/internal/storage"
)

const (
	contentType      = "application/x-ndjson"
	defaultBatchSize = 100
)

// ErrClosed is returned by Accept after Close.
var ErrClosed = errors.New("blob sink closed")

// Config controls object naming and batching.
type Config struct {
	// Prefix is the object path prefix, e.g. "items".
	Prefix    string
	RunID     string
	BatchSize int
}

// Sink buffers records and writes one object per full batch, named
// <prefix>/<run id>/<seq>.jsonl. A failed write keeps the batch buffered so
// the next flush retries it.
type Sink struct {
	store  storage.BlobStore
	ids    crawler.IDGenerator
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	buf     bytes.Buffer
	pending int
	seq     int
	closed  bool
	objects []string
}

// New builds a Sink.
func New(store storage.BlobStore, ids crawler.IDGenerator, clock crawler.Clock, cfg Config, logger *zap.Logger) (*Sink, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if ids == nil || clock == nil {
		return nil, errors.New("id generator and clock are required")
	}
	if cfg.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, ids: ids, clock: clock, cfg: cfg, logger: logger}, nil
}

// Accept implements crawler.ItemSink.
func (s *Sink) Accept(ctx context.Context, item crawler.Item) error {
	rec, err := sink.NewRecord(s.ids, s.clock, s.cfg.RunID, item)
	if err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.buf.Write(line)
	s.buf.WriteByte('\n')
	s.pending++
	if s.pending < s.cfg.BatchSize {
		return nil
	}
	return s.flushLocked(ctx)
}

// Flush writes any buffered records now.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// Close flushes the final partial batch and rejects further items.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flushLocked(ctx)
}

// Objects lists the URIs written so far.
func (s *Sink) Objects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.objects...)
}

func (s *Sink) flushLocked(ctx context.Context) error {
	if s.pending == 0 {
		return nil
	}
	name := path.Join(s.cfg.Prefix, s.cfg.RunID, fmt.Sprintf("%06d.jsonl", s.seq))
	uri, err := s.store.PutObject(ctx, name, contentType, bytes.NewReader(s.buf.Bytes()))
	if err != nil {
		s.logger.Warn("item batch write failed",
			zap.String("object", name),
			zap.Int("items", s.pending),
			zap.Error(err),
		)
		return fmt.Errorf("write item batch %s: %w", name, err)
	}
	s.logger.Debug("item batch written", zap.String("uri", uri), zap.Int("items", s.pending))
	s.objects = append(s.objects, uri)
	s.seq++
	s.pending = 0
	s.buf.Reset()
	return nil
}
