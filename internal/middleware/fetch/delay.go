package fetchmw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/middleware"
)

// DelayObserver is told how long a request waited before its fetch.
type DelayObserver func(host string, waited time.Duration)

// Delay spaces out fetches to the same host and honors the retry delay a
// previous attempt stored in the request meta. The interval is measured both
// between fetch starts and from the completion of the last fetch to the host,
// so requests parked behind a DomainSlots gate still wait once admitted.
type Delay struct {
	interval time.Duration
	clock    crawler.Clock
	observe  DelayObserver

	mu    sync.Mutex
	hosts map[string]*hostDelay
}

type hostDelay struct {
	limiter  *rate.Limiter
	lastDone time.Time
}

// NewDelay builds a Delay with one fetch per interval per host. A zero
// interval disables spacing; retry delays still apply. observe may be nil.
func NewDelay(interval time.Duration, clock crawler.Clock, observe DelayObserver) *Delay {
	return &Delay{
		interval: interval,
		clock:    clock,
		observe:  observe,
		hosts:    make(map[string]*hostDelay),
	}
}

// BeforeFetch implements middleware.FetchMiddleware. It waits for the larger
// of the retry delay and the time left until the host's next fetch may start.
func (d *Delay) BeforeFetch(ctx context.Context, req *crawler.Request) (middleware.Result, error) {
	host := hostKey(req.Host())
	start := d.clock.Now()

	wait := req.MetaDuration(crawler.MetaRetryDelay)
	if d.interval > 0 {
		if w := d.reserve(host, start); w > wait {
			wait = w
		}
	}
	if wait > 0 {
		if err := d.clock.Sleep(ctx, wait); err != nil {
			return middleware.Result{}, fmt.Errorf("domain delay: %w", err)
		}
	}
	delete(req.Meta, crawler.MetaRetryDelay)

	if d.observe != nil {
		if waited := d.clock.Now().Sub(start); waited > time.Millisecond {
			d.observe(host, waited)
		}
	}
	return middleware.Next(), nil
}

// AfterFetch implements middleware.FetchMiddleware.
func (d *Delay) AfterFetch(_ context.Context, req *crawler.Request, _ *crawler.Response) (middleware.Result, error) {
	d.MarkDone(req.Host())
	return middleware.Next(), nil
}

// FetchError implements middleware.FetchMiddleware.
func (d *Delay) FetchError(_ context.Context, req *crawler.Request, _ error) (middleware.Result, error) {
	d.MarkDone(req.Host())
	return middleware.Next(), nil
}

// MarkDone records that a fetch to host just finished. DomainSlots calls it
// before handing the slot to the next request for the host.
func (d *Delay) MarkDone(host string) {
	if d.interval <= 0 {
		return
	}
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.host(hostKey(host))
	if now.After(h.lastDone) {
		h.lastDone = now
	}
}

// reserve takes the host's next start token and returns how long the caller
// must wait for it and for the interval since the last completion.
func (d *Delay) reserve(host string, now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.host(host)
	wait := h.limiter.ReserveN(now, 1).DelayFrom(now)
	if !h.lastDone.IsZero() {
		if w := h.lastDone.Add(d.interval).Sub(now); w > wait {
			wait = w
		}
	}
	return wait
}

// host must be called with d.mu held.
func (d *Delay) host(key string) *hostDelay {
	h, ok := d.hosts[key]
	if !ok {
		h = &hostDelay{limiter: rate.NewLimiter(rate.Every(d.interval), 1)}
		d.hosts[key] = h
	}
	return h
}

func hostKey(host string) string {
	if host == "" {
		return "unknown"
	}
	return host
}
