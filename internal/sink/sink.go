// Package sink holds the envelope shared by item sinks that persist or
// publish items outside the process.
package sink

import (
	"fmt"
	"time"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Record wraps an accepted item with its identity and provenance.
type Record struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	AcceptedAt time.Time      `json:"accepted_at"`
	Data       map[string]any `json:"data"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewRecord stamps item with a fresh ID and the current time.
func NewRecord(ids crawler.IDGenerator, clock crawler.Clock, runID string, item crawler.Item) (Record, error) {
	id, err := ids.NewID()
	if err != nil {
		return Record{}, fmt.Errorf("record id: %w", err)
	}
	return Record{
		ID:         id,
		RunID:      runID,
		AcceptedAt: clock.Now(),
		Data:       item.Data,
		Metadata:   item.Metadata,
	}, nil
}
