package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/fingerprint"
	"github.com/JakeFAU/crawlcore/internal/progress"
	"github.com/JakeFAU/crawlcore/internal/queue/memory"
)

func newTestScheduler(t *testing.T, maxSize int, opts ...func(*Config)) (*Scheduler, *memory.Queue) {
	t.Helper()
	fp, err := fingerprint.New(fingerprint.Config{})
	require.NoError(t, err)
	q := memory.NewQueue(maxSize)
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := New(q, fp, cfg)
	require.NoError(t, err)
	return s, q
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	fp, err := fingerprint.New(fingerprint.Config{})
	require.NoError(t, err)
	_, err = New(nil, fp, Config{})
	require.Error(t, err)
	_, err = New(memory.NewQueue(0), nil, Config{})
	require.Error(t, err)
}

func TestAddDropsDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestScheduler(t, 0)

	got, err := s.Admit(ctx, crawler.NewRequest("https://example.com/a?x=1&y=2", 0))
	require.NoError(t, err)
	require.Equal(t, Queued, got)

	got, err = s.Admit(ctx, crawler.NewRequest("https://EXAMPLE.com/a?y=2&x=1#frag", 5))
	require.NoError(t, err)
	require.Equal(t, Duplicate, got)

	stats := s.Stats(ctx)
	require.Equal(t, 1, stats.Queued)
	require.Equal(t, 1, stats.Seen)
	require.Equal(t, 1, stats.Duplicates)
}

func TestDontFilterBypassesDedup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestScheduler(t, 0)
	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/", 0)))

	retry := crawler.NewRequest("https://example.com/", -1)
	retry.DontFilter = true
	got, err := s.Admit(ctx, retry)
	require.NoError(t, err)
	require.Equal(t, Queued, got)
	require.Equal(t, 2, s.Stats(ctx).Queued)
}

func TestGetReturnsHighestPriorityFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestScheduler(t, 0)
	for _, prio := range []int{5, 1, 9} {
		require.NoError(t, s.Add(ctx, crawler.NewRequest(fmt.Sprintf("https://example.com/p%d", prio), prio)))
	}

	var order []int
	for range 3 {
		req, err := s.Get(ctx)
		require.NoError(t, err)
		order = append(order, req.Priority)
		require.NoError(t, s.TaskDone())
	}
	require.Equal(t, []int{9, 5, 1}, order)
}

func TestGetIsFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestScheduler(t, 0)
	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/A", 10)))
	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/B", 10)))
	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/C", 20)))

	var order []string
	for range 3 {
		req, err := s.Get(ctx)
		require.NoError(t, err)
		order = append(order, req.URL)
	}
	require.Equal(t, []string{
		"https://example.com/C",
		"https://example.com/A",
		"https://example.com/B",
	}, order)
	require.Equal(t, 3, s.Stats(ctx).Pending)
}

func TestDirectDeliveryBypassesQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, q := newTestScheduler(t, 0)

	got := make(chan *crawler.Request, 1)
	go func() {
		req, err := s.Get(ctx)
		if err == nil {
			got <- req
		}
	}()
	require.Eventually(t, func() bool { return s.Stats(ctx).Waiting == 1 }, time.Second, 5*time.Millisecond)

	admission, err := s.Admit(ctx, crawler.NewRequest("https://example.com/direct", 0))
	require.NoError(t, err)
	require.Equal(t, Delivered, admission)

	select {
	case req := <-got:
		require.Equal(t, "https://example.com/direct", req.URL)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
	stats := s.Stats(ctx)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.DirectDeliveries)
	require.Zero(t, stats.Enqueued)
}

func TestWaitersAreServedInArrivalOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestScheduler(t, 0)

	first := make(chan string, 1)
	go func() {
		req, err := s.Get(ctx)
		if err == nil {
			first <- req.URL
		}
	}()
	require.Eventually(t, func() bool { return s.Stats(ctx).Waiting == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan string, 1)
	go func() {
		req, err := s.Get(ctx)
		if err == nil {
			second <- req.URL
		}
	}()
	require.Eventually(t, func() bool { return s.Stats(ctx).Waiting == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/1", 0)))
	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/2", 0)))
	require.Equal(t, "https://example.com/1", <-first)
	require.Equal(t, "https://example.com/2", <-second)
}

func TestJoinWaitsForPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestScheduler(t, 0)
	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/", 0)))
	_, err := s.Get(ctx)
	require.NoError(t, err)

	joined := make(chan error, 1)
	go func() { joined <- s.Join(ctx) }()

	select {
	case <-joined:
		t.Fatal("join returned while a request was pending")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.TaskDone())
	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("join did not return after task done")
	}
}

func TestJoinHonorsContext(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, 0)
	require.NoError(t, s.Add(context.Background(), crawler.NewRequest("https://example.com/", 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Join(ctx), context.DeadlineExceeded)
}

func TestBackpressureDropsAtCapacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestScheduler(t, 2)
	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/1", 0)))
	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/2", 0)))

	admission, err := s.Admit(ctx, crawler.NewRequest("https://example.com/3", 100))
	require.NoError(t, err)
	require.Equal(t, Dropped, admission)

	stats := s.Stats(ctx)
	require.Equal(t, 2, stats.Queued)
	require.Equal(t, 1, stats.CapacityDrops)
	require.Equal(t, 3, stats.Seen)
}

func TestAddAfterCloseFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestScheduler(t, 0)
	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/queued", 0)))
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))

	require.ErrorIs(t, s.Add(ctx, crawler.NewRequest("https://example.com/late", 0)), ErrClosed)

	req, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/queued", req.URL)
	require.NoError(t, s.TaskDone())

	_, err = s.Get(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.True(t, s.Stats(ctx).Closed)
}

func TestCloseWakesWaiters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestScheduler(t, 0)
	done := make(chan error, 1)
	go func() {
		_, err := s.Get(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return s.Stats(ctx).Waiting == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close(ctx))
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by close")
	}
	require.Zero(t, s.Stats(ctx).Waiting)
}

func TestTaskDoneUnderflow(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, 0)
	require.ErrorIs(t, s.TaskDone(), ErrTaskDoneUnderflow)
}

func TestGetCancellationDoesNotLoseRequests(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, 0)
	bg := context.Background()

	for i := range 50 {
		ctx, cancel := context.WithCancel(bg)
		result := make(chan *crawler.Request, 1)
		go func() {
			req, err := s.Get(ctx)
			if err != nil {
				result <- nil
				return
			}
			result <- req
		}()
		require.Eventually(t, func() bool { return s.Stats(bg).Waiting == 1 }, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			cancel()
		}()
		require.NoError(t, s.Add(bg, crawler.NewRequest(fmt.Sprintf("https://example.com/race/%d", i), 0)))
		wg.Wait()

		got := <-result
		stats := s.Stats(bg)
		if got != nil {
			require.Equal(t, 0, stats.Queued)
			require.NoError(t, s.TaskDone())
		} else {
			require.Equal(t, 1, stats.Queued)
			req, err := s.Get(bg)
			require.NoError(t, err)
			require.NotNil(t, req)
			require.NoError(t, s.TaskDone())
		}
		require.Zero(t, s.Stats(bg).Pending)
	}
}

func TestClearAbandonsQueued(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestScheduler(t, 0)
	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/1", 0)))
	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/2", 0)))

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, s.Join(ctx))
	require.Equal(t, 2, s.Stats(ctx).Abandoned)
}

func TestMalformedRequestIsRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestScheduler(t, 0)
	admission, err := s.Admit(ctx, crawler.NewRequest("/relative/only", 0))
	require.ErrorIs(t, err, crawler.ErrMalformedRequest)
	require.Equal(t, Dropped, admission)
	require.Equal(t, 1, s.Stats(ctx).Malformed)
}

type recordingSeen struct {
	mu       sync.Mutex
	recorded []crawler.Fingerprint
	preload  []crawler.Fingerprint
	err      error
}

func (r *recordingSeen) Load(context.Context) ([]crawler.Fingerprint, error) {
	return r.preload, nil
}

func (r *recordingSeen) Record(_ context.Context, fp crawler.Fingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, fp)
	return r.err
}

func TestSeenStoreIsLoadedAndRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fp, err := fingerprint.New(fingerprint.Config{})
	require.NoError(t, err)
	known, err := fp.Fingerprint(crawler.NewRequest("https://example.com/known", 0))
	require.NoError(t, err)

	store := &recordingSeen{preload: []crawler.Fingerprint{known}, err: errors.New("write failed")}
	s, _ := newTestScheduler(t, 0, func(c *Config) { c.Seen = store })

	n, err := s.LoadSeen(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	admission, err := s.Admit(ctx, crawler.NewRequest("https://example.com/known", 0))
	require.NoError(t, err)
	require.Equal(t, Duplicate, admission)

	admission, err = s.Admit(ctx, crawler.NewRequest("https://example.com/new", 0))
	require.NoError(t, err)
	require.Equal(t, Queued, admission)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.recorded, 1)
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Stage)
	}
	return out
}

func TestSchedulerEmitsEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	emitter := &captureEmitter{}
	s, _ := newTestScheduler(t, 0, func(c *Config) { c.Emitter = emitter })

	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/", 0)))
	require.NoError(t, s.Add(ctx, crawler.NewRequest("https://example.com/", 0)))
	_, err := s.Get(ctx)
	require.NoError(t, err)

	require.Equal(t, []progress.Stage{
		progress.StageAdmitted,
		progress.StageDropped,
		progress.StageDequeued,
	}, emitter.stages())
}
