package crawler

import (
	"context"
	"iter"
	"time"
)

// Fetcher fetches a request. Transport failures wrap ErrTransport and
// deadline expiry wraps ErrTimeout; any HTTP status is a Response.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Parser turns a response into follow-up requests and items. The sequence is
// consumed lazily; a non-nil error ends parsing of the response.
type Parser interface {
	Parse(ctx context.Context, resp *Response) iter.Seq2[Output, error]
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(ctx context.Context, resp *Response) iter.Seq2[Output, error]

// Parse calls f.
func (f ParserFunc) Parse(ctx context.Context, resp *Response) iter.Seq2[Output, error] {
	return f(ctx, resp)
}

// ItemSink accepts finalized items.
type ItemSink interface {
	Accept(ctx context.Context, item Item) error
	Close(ctx context.Context) error
}

// WorkQueue is a priority-ordered store of pending requests. Entries come out
// highest priority first, FIFO among equal priorities.
type WorkQueue interface {
	// Put stores req. It never blocks; bounded backends return ErrQueueFull.
	Put(ctx context.Context, req *Request, priority int) error
	// Get suspends until an entry is available, returning ErrQueueClosed once
	// the queue is closed and drained.
	Get(ctx context.Context) (*Request, error)
	// TryGet pops the head entry without waiting.
	TryGet(ctx context.Context) (*Request, bool, error)
	Size(ctx context.Context) (int, error)
	// MaxSize returns the capacity bound, 0 for unbounded.
	MaxSize() int
	// Clear drops every queued entry and returns how many were removed.
	Clear(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

// SeenStore persists dedup fingerprints across process restarts.
type SeenStore interface {
	Load(ctx context.Context) ([]Fingerprint, error)
	Record(ctx context.Context, fp Fingerprint) error
}

// Hasher computes a fixed-size digest used for fingerprints.
type Hasher interface {
	Sum(data []byte) Fingerprint
}

// Clock abstracts time for middlewares that sleep.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
