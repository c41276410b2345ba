package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawlcore/internal/progress"
)

// Counts is a snapshot of CounterSink totals.
type Counts struct {
	Stages  map[progress.Stage]int64  `json:"stages"`
	Dropped map[progress.Reason]int64 `json:"dropped"`
	Sites   map[string]SiteCounts     `json:"sites"`
}

// SiteCounts aggregates fetch completions for one host.
type SiteCounts struct {
	Fetches int64                         `json:"fetches"`
	Bytes   int64                         `json:"bytes"`
	Status  map[progress.StatusClass]int64 `json:"status"`
}

// CounterSink keeps in-process totals per stage, drop reason, and site. The
// admin API reads it to report run progress without a metrics backend.
type CounterSink struct {
	mu      sync.Mutex
	stages  map[progress.Stage]int64
	dropped map[progress.Reason]int64
	sites   map[string]*SiteCounts
}

// NewCounterSink returns an empty CounterSink.
func NewCounterSink() *CounterSink {
	return &CounterSink{
		stages:  make(map[progress.Stage]int64),
		dropped: make(map[progress.Reason]int64),
		sites:   make(map[string]*SiteCounts),
	}
}

// Consume folds the batch into the running totals.
func (s *CounterSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.stages[evt.Stage]++
		switch evt.Stage {
		case progress.StageDropped:
			s.dropped[evt.Reason]++
		case progress.StageFetchDone:
			site := s.sites[evt.Site]
			if site == nil {
				site = &SiteCounts{Status: make(map[progress.StatusClass]int64)}
				s.sites[evt.Site] = site
			}
			site.Fetches++
			site.Bytes += evt.Bytes
			site.Status[evt.StatusClass]++
		}
	}
	return nil
}

// Snapshot returns a deep copy of the current totals.
func (s *CounterSink) Snapshot() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Counts{
		Stages:  make(map[progress.Stage]int64, len(s.stages)),
		Dropped: make(map[progress.Reason]int64, len(s.dropped)),
		Sites:   make(map[string]SiteCounts, len(s.sites)),
	}
	for k, v := range s.stages {
		out.Stages[k] = v
	}
	for k, v := range s.dropped {
		out.Dropped[k] = v
	}
	for host, site := range s.sites {
		status := make(map[progress.StatusClass]int64, len(site.Status))
		for k, v := range site.Status {
			status[k] = v
		}
		out.Sites[host] = SiteCounts{Fetches: site.Fetches, Bytes: site.Bytes, Status: status}
	}
	return out
}

// Close implements the Sink interface; totals remain readable afterwards.
func (s *CounterSink) Close(context.Context) error {
	return nil
}
