package fetchmw

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/middleware"
)

// DomainSlots caps the number of in-flight fetches per host. A slot is taken
// in BeforeFetch and given back by whichever of AfterFetch, FetchError, or
// Release runs first for that request. When a slot is returned after a fetch,
// onDone is told the host before any waiter can take the slot.
type DomainSlots struct {
	perDomain int64
	onDone    func(host string)

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
	held sync.Map // *crawler.Request -> *semaphore.Weighted
}

// NewDomainSlots builds the middleware. perDomain <= 0 is treated as 1.
// onDone may be nil; the standard chain passes Delay.MarkDone.
func NewDomainSlots(perDomain int, onDone func(host string)) *DomainSlots {
	if perDomain <= 0 {
		perDomain = 1
	}
	return &DomainSlots{
		perDomain: int64(perDomain),
		onDone:    onDone,
		sems:      make(map[string]*semaphore.Weighted),
	}
}

// BeforeFetch implements middleware.FetchMiddleware.
func (s *DomainSlots) BeforeFetch(ctx context.Context, req *crawler.Request) (middleware.Result, error) {
	sem := s.semaphore(req.Host())
	if err := sem.Acquire(ctx, 1); err != nil {
		return middleware.Result{}, fmt.Errorf("acquire domain slot: %w", err)
	}
	s.held.Store(req, sem)
	return middleware.Next(), nil
}

// AfterFetch implements middleware.FetchMiddleware.
func (s *DomainSlots) AfterFetch(_ context.Context, req *crawler.Request, _ *crawler.Response) (middleware.Result, error) {
	s.release(req, true)
	return middleware.Next(), nil
}

// FetchError implements middleware.FetchMiddleware.
func (s *DomainSlots) FetchError(_ context.Context, req *crawler.Request, _ error) (middleware.Result, error) {
	s.release(req, true)
	return middleware.Next(), nil
}

// Release implements middleware.Releaser. It is a no-op when req holds no
// slot. No fetch ran, so onDone is not called.
func (s *DomainSlots) Release(_ context.Context, req *crawler.Request) {
	s.release(req, false)
}

func (s *DomainSlots) release(req *crawler.Request, fetched bool) {
	v, ok := s.held.LoadAndDelete(req)
	if !ok {
		return
	}
	if fetched && s.onDone != nil {
		s.onDone(req.Host())
	}
	v.(*semaphore.Weighted).Release(1)
}

// inFlight returns how many slots are currently held for host.
func (s *DomainSlots) inFlight(host string) int {
	sem := s.semaphore(host)
	n := 0
	s.held.Range(func(_, v any) bool {
		if v == sem {
			n++
		}
		return true
	})
	return n
}

func (s *DomainSlots) semaphore(host string) *semaphore.Weighted {
	host = hostKey(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[host]
	if !ok {
		sem = semaphore.NewWeighted(s.perDomain)
		s.sems[host] = sem
	}
	return sem
}
