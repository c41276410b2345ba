// Package memorysink keeps accepted items in memory.
package memorysink

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// ErrClosed is returned by Accept after Close.
var ErrClosed = errors.New("memory sink closed")

// Sink stores items for inspection by tests and the admin API.
type Sink struct {
	mu     sync.RWMutex
	items  []crawler.Item
	closed bool
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{}
}

// Accept implements crawler.ItemSink.
func (s *Sink) Accept(_ context.Context, item crawler.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.items = append(s.items, item)
	return nil
}

// Close stops accepting items; stored items stay readable.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Items returns a copy of the stored items in acceptance order.
func (s *Sink) Items() []crawler.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Item, len(s.items))
	copy(out, s.items)
	return out
}

// Len reports how many items were accepted.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
