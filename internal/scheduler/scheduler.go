// Package scheduler admits, deduplicates, and hands out crawl requests.
//
// A Scheduler owns a work queue, the seen set, the pending counter, and the
// list of consumers blocked in Get. Every check-then-act sequence (dedup
// check and seen insert, waiter hand-off, capacity check and put) runs under a
// single mutex. When a consumer is already waiting, Add hands the request to
// it directly without touching the queue; this deliberately lets a fresh
// request jump ahead of queued higher-priority work so an idle worker never
// sleeps while there is something to do.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/progress"
)

var (
	// ErrClosed is returned by Add after Close, and by Get once the queue is
	// drained after Close.
	ErrClosed = errors.New("scheduler closed")
	// ErrTaskDoneUnderflow is returned when TaskDone is called more times than
	// requests were handed out.
	ErrTaskDoneUnderflow = errors.New("task done called more times than get")
)

// Admission describes what Add did with a request.
type Admission int

// Admission outcomes.
const (
	Queued Admission = iota
	Delivered
	Duplicate
	Dropped
)

func (a Admission) String() string {
	switch a {
	case Queued:
		return "queued"
	case Delivered:
		return "delivered"
	case Duplicate:
		return "duplicate"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("admission(%d)", int(a))
	}
}

// Fingerprinter computes the dedup key of a request.
type Fingerprinter interface {
	Fingerprint(req *crawler.Request) (crawler.Fingerprint, error)
}

// Config wires optional collaborators.
type Config struct {
	// RunID tags emitted events.
	RunID [16]byte
	// PollInterval makes blocked consumers and Join re-check the queue
	// periodically. Set it for backends other processes also write to.
	PollInterval time.Duration
	// Seen persists fingerprints when non-nil.
	Seen    crawler.SeenStore
	Emitter progress.Emitter
	Logger  *zap.Logger
}

// Stats is a point-in-time snapshot of scheduler state.
type Stats struct {
	Queued           int  `json:"queued"`
	Pending          int  `json:"pending"`
	Seen             int  `json:"seen"`
	Waiting          int  `json:"waiting"`
	Closed           bool `json:"closed"`
	Enqueued         int  `json:"enqueued"`
	DirectDeliveries int  `json:"direct_deliveries"`
	Duplicates       int  `json:"duplicates"`
	CapacityDrops    int  `json:"capacity_drops"`
	Malformed        int  `json:"malformed"`
	Abandoned        int  `json:"abandoned"`
}

// Idle reports whether nothing is queued or in flight.
func (s Stats) Idle() bool {
	return s.Queued == 0 && s.Pending == 0
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	queue  crawler.WorkQueue
	fp     Fingerprinter
	store  crawler.SeenStore
	emit   progress.Emitter
	logger *zap.Logger
	runID  [16]byte
	poll   time.Duration

	mu       sync.Mutex
	seen     map[crawler.Fingerprint]struct{}
	waiters  []*waiter
	pending  int
	closed   bool
	released bool
	closedCh chan struct{}
	// changed is closed and replaced whenever pending drops to zero, the
	// queue is cleared, or the scheduler closes; Join waits on it.
	changed chan struct{}
	counts  counters
}

type counters struct {
	enqueued   int
	direct     int
	duplicates int
	capacity   int
	malformed  int
	abandoned  int
}

type waiter struct {
	ch chan *crawler.Request
}

// New builds a Scheduler over queue.
func New(queue crawler.WorkQueue, fp Fingerprinter, cfg Config) (*Scheduler, error) {
	if queue == nil {
		return nil, errors.New("work queue is required")
	}
	if fp == nil {
		return nil, errors.New("fingerprinter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emit := cfg.Emitter
	if emit == nil {
		emit = progress.Discard
	}
	return &Scheduler{
		queue:    queue,
		fp:       fp,
		store:    cfg.Seen,
		emit:     emit,
		logger:   logger,
		runID:    cfg.RunID,
		poll:     cfg.PollInterval,
		seen:     make(map[crawler.Fingerprint]struct{}),
		closedCh: make(chan struct{}),
		changed:  make(chan struct{}),
	}, nil
}

// LoadSeen preloads fingerprints from the configured seen store.
func (s *Scheduler) LoadSeen(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	fps, err := s.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load seen set: %w", err)
	}
	s.mu.Lock()
	for _, fp := range fps {
		s.seen[fp] = struct{}{}
	}
	s.mu.Unlock()
	return len(fps), nil
}

// Add admits req. See Admit.
func (s *Scheduler) Add(ctx context.Context, req *crawler.Request) error {
	_, err := s.Admit(ctx, req)
	return err
}

// Admit fingerprints req and either drops it as a duplicate, hands it to a
// waiting consumer, drops it for capacity, or queues it. It never blocks on
// capacity. After Close it returns ErrClosed.
func (s *Scheduler) Admit(ctx context.Context, req *crawler.Request) (Admission, error) {
	if req == nil {
		return Dropped, fmt.Errorf("admit nil request: %w", crawler.ErrMalformedRequest)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Dropped, ErrClosed
	}
	fp, err := s.fp.Fingerprint(req)
	if err != nil {
		s.counts.malformed++
		s.mu.Unlock()
		s.emitDrop(req, progress.ReasonMalformed, err.Error())
		return Dropped, fmt.Errorf("fingerprint request: %w", err)
	}
	fresh := false
	if !req.DontFilter {
		if _, dup := s.seen[fp]; dup {
			s.counts.duplicates++
			s.mu.Unlock()
			s.emitDrop(req, progress.ReasonDuplicate, "")
			return Duplicate, nil
		}
		s.seen[fp] = struct{}{}
		fresh = true
	}

	if w := s.popWaiterLocked(); w != nil {
		s.pending++
		s.counts.direct++
		w.ch <- req
		s.mu.Unlock()
		s.recordSeen(ctx, fp, fresh)
		s.emitRequest(progress.StageDirectDelivery, req)
		return Delivered, nil
	}

	admission, err := s.enqueueLocked(ctx, req)
	s.mu.Unlock()
	s.recordSeen(ctx, fp, fresh)

	switch {
	case err != nil:
		return admission, err
	case admission == Dropped:
		s.logger.Warn("request dropped, queue at capacity",
			zap.String("url", req.URL),
			zap.Int("priority", req.Priority),
			zap.Int("max_size", s.queue.MaxSize()),
		)
		s.emitDrop(req, progress.ReasonCapacity, "")
	default:
		s.emitRequest(progress.StageAdmitted, req)
	}
	return admission, nil
}

func (s *Scheduler) enqueueLocked(ctx context.Context, req *crawler.Request) (Admission, error) {
	if limit := s.queue.MaxSize(); limit > 0 {
		size, err := s.queue.Size(ctx)
		if err != nil {
			return Dropped, fmt.Errorf("queue size: %w", err)
		}
		if size >= limit {
			s.counts.capacity++
			return Dropped, nil
		}
	}
	if err := s.queue.Put(ctx, req, req.Priority); err != nil {
		if errors.Is(err, crawler.ErrQueueFull) {
			s.counts.capacity++
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("queue put: %w", err)
	}
	s.counts.enqueued++
	return Queued, nil
}

func (s *Scheduler) popWaiterLocked() *waiter {
	if len(s.waiters) == 0 {
		return nil
	}
	w := s.waiters[0]
	s.waiters[0] = nil
	s.waiters = s.waiters[1:]
	return w
}

// removeWaiter unregisters w. It returns false when w was already handed a
// request, which the caller must then receive from w.ch.
func (s *Scheduler) removeWaiter(w *waiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.waiters {
		if candidate == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the next request, suspending while nothing is available. Every
// successful Get must be matched by a TaskDone. After Close, Get keeps
// returning queued requests until the queue is empty and then returns
// ErrClosed.
func (s *Scheduler) Get(ctx context.Context) (*crawler.Request, error) {
	for {
		s.mu.Lock()
		req, ok, err := s.queue.TryGet(ctx)
		if err != nil {
			if errors.Is(err, crawler.ErrMalformedWorkUnit) {
				s.counts.malformed++
				s.mu.Unlock()
				s.logger.Warn("discarding malformed work unit", zap.Error(err))
				continue
			}
			s.mu.Unlock()
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		if ok {
			s.pending++
			s.mu.Unlock()
			s.emitRequest(progress.StageDequeued, req)
			return req, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		w := &waiter{ch: make(chan *crawler.Request, 1)}
		s.waiters = append(s.waiters, w)
		closedCh := s.closedCh
		s.mu.Unlock()

		req, retry, err := s.await(ctx, w, closedCh)
		if retry {
			continue
		}
		return req, err
	}
}

// await blocks until w is fulfilled, the scheduler closes, the poll interval
// elapses, or ctx ends. retry asks Get to check the queue again.
func (s *Scheduler) await(
	ctx context.Context,
	w *waiter,
	closedCh <-chan struct{},
) (req *crawler.Request, retry bool, err error) {
	var poll <-chan time.Time
	if s.poll > 0 {
		timer := time.NewTimer(s.poll)
		defer timer.Stop()
		poll = timer.C
	}

	select {
	case req := <-w.ch:
		return req, false, nil
	case <-closedCh:
	case <-poll:
	case <-ctx.Done():
		if s.removeWaiter(w) {
			return nil, false, fmt.Errorf("get canceled: %w", ctx.Err())
		}
		return <-w.ch, false, nil
	}
	if s.removeWaiter(w) {
		return nil, true, nil
	}
	return <-w.ch, false, nil
}

// TaskDone reports that a request returned by Get finished its pipeline,
// whatever the outcome.
func (s *Scheduler) TaskDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == 0 {
		return ErrTaskDoneUnderflow
	}
	s.pending--
	if s.pending == 0 {
		s.broadcastLocked()
		if s.closed {
			s.releaseLocked()
		}
	}
	return nil
}

// Join blocks until nothing is queued and nothing is pending.
func (s *Scheduler) Join(ctx context.Context) error {
	for {
		s.mu.Lock()
		size, err := s.queue.Size(ctx)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("queue size: %w", err)
		}
		if size == 0 && s.pending == 0 {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		var poll <-chan time.Time
		var timer *time.Timer
		if s.poll > 0 {
			timer = time.NewTimer(s.poll)
			poll = timer.C
		}
		select {
		case <-changed:
		case <-poll:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return fmt.Errorf("join canceled: %w", ctx.Err())
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Close stops admissions and wakes every blocked consumer. The queue backend
// is closed as soon as no request is pending. Close is idempotent.
func (s *Scheduler) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.closedCh)
	s.broadcastLocked()
	if s.pending == 0 {
		s.releaseLocked()
	}
	return nil
}

// Clear abandons every queued request. It is used on external shutdown,
// after workers have stopped pulling.
func (s *Scheduler) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	n, err := s.queue.Clear(ctx)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	s.counts.abandoned += n
	s.broadcastLocked()
	s.mu.Unlock()

	if n > 0 {
		evt := progress.NewEvent(s.runID, progress.StageDropped)
		evt.Reason = progress.ReasonAbandoned
		evt.Note = fmt.Sprintf("%d queued requests abandoned", n)
		s.emit.Emit(evt)
	}
	return n, nil
}

// Stats returns a snapshot. A queue size error is logged and reported as -1.
func (s *Scheduler) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, err := s.queue.Size(ctx)
	if err != nil {
		s.logger.Warn("queue size unavailable", zap.Error(err))
		size = -1
	}
	return Stats{
		Queued:           size,
		Pending:          s.pending,
		Seen:             len(s.seen),
		Waiting:          len(s.waiters),
		Closed:           s.closed,
		Enqueued:         s.counts.enqueued,
		DirectDeliveries: s.counts.direct,
		Duplicates:       s.counts.duplicates,
		CapacityDrops:    s.counts.capacity,
		Malformed:        s.counts.malformed,
		Abandoned:        s.counts.abandoned,
	}
}

func (s *Scheduler) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Scheduler) releaseLocked() {
	if s.released {
		return
	}
	s.released = true
	if err := s.queue.Close(context.Background()); err != nil {
		s.logger.Warn("close work queue", zap.Error(err))
	}
}

func (s *Scheduler) recordSeen(ctx context.Context, fp crawler.Fingerprint, fresh bool) {
	if !fresh || s.store == nil {
		return
	}
	if err := s.store.Record(ctx, fp); err != nil {
		s.logger.Warn("persist fingerprint", zap.String("fingerprint", fp.String()), zap.Error(err))
	}
}

func (s *Scheduler) emitRequest(stage progress.Stage, req *crawler.Request) {
	evt := progress.NewEvent(s.runID, stage).WithURL(req.URL)
	evt.Priority = req.Priority
	s.emit.Emit(evt)
}

func (s *Scheduler) emitDrop(req *crawler.Request, reason progress.Reason, note string) {
	evt := progress.NewEvent(s.runID, progress.StageDropped).WithURL(req.URL)
	evt.Priority = req.Priority
	evt.Reason = reason
	evt.Note = note
	s.emit.Emit(evt)
}
