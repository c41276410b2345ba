// Package redisqueue implements a work queue and seen store on Redis so several
// crawler processes can share one frontier.
package redisqueue

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

const (
	defaultKey          = "crawlcore"
	defaultPollInterval = 200 * time.Millisecond
	seqWidth            = 20
)

// Config controls key naming, capacity, and how often Get polls.
type Config struct {
	Key          string
	MaxSize      int
	PollInterval time.Duration
}

// Queue stores entries in a sorted set scored by -priority. Members are
// prefixed with a zero-padded sequence number so equal scores pop in
// insertion order.
type Queue struct {
	client       redis.Cmdable
	key          string
	seqKey       string
	seenKey      string
	maxSize      int
	pollInterval time.Duration
	closed       atomic.Bool
}

// New builds a Queue on an existing client. The caller owns the client.
func New(client redis.Cmdable, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = defaultKey
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	maxSize := cfg.MaxSize
	if maxSize < 0 {
		maxSize = 0
	}
	return &Queue{
		client:       client,
		key:          key + ":queue",
		seqKey:       key + ":seq",
		seenKey:      key + ":seen",
		maxSize:      maxSize,
		pollInterval: poll,
	}, nil
}

// Put adds req. The capacity check and the insert are separate round trips,
// so concurrent producers in other processes can overshoot MaxSize slightly.
func (q *Queue) Put(ctx context.Context, req *crawler.Request, priority int) error {
	if q.closed.Load() {
		return crawler.ErrQueueClosed
	}
	payload, err := crawler.MarshalRequest(req)
	if err != nil {
		return err
	}
	if q.maxSize > 0 {
		size, err := q.Size(ctx)
		if err != nil {
			return err
		}
		if size >= q.maxSize {
			return crawler.ErrQueueFull
		}
	}
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return fmt.Errorf("redis incr sequence: %w", err)
	}
	member := fmt.Sprintf("%0*d|%s", seqWidth, seq, payload)
	if err := q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(-priority), Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

// TryGet pops the lowest score, i.e. the highest priority entry.
func (q *Queue) TryGet(ctx context.Context) (*crawler.Request, bool, error) {
	popped, err := q.client.ZPopMin(ctx, q.key, 1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis zpopmin: %w", err)
	}
	if len(popped) == 0 {
		return nil, false, nil
	}
	member, ok := popped[0].Member.(string)
	if !ok {
		return nil, false, fmt.Errorf("%w: unexpected member type %T", crawler.ErrMalformedWorkUnit, popped[0].Member)
	}
	req, err := decodeMember(member)
	if err != nil {
		return nil, false, err
	}
	return req, true, nil
}

// Get polls until an entry is available, the queue closes, or ctx ends.
func (q *Queue) Get(ctx context.Context) (*crawler.Request, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		req, ok, err := q.TryGet(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return req, nil
		}
		if q.closed.Load() {
			return nil, crawler.ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Size returns the sorted set cardinality.
func (q *Queue) Size(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return int(n), nil
}

// MaxSize returns the configured capacity.
func (q *Queue) MaxSize() int {
	return q.maxSize
}

// Clear deletes the queue key.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	n, err := q.Size(ctx)
	if err != nil {
		return 0, err
	}
	if err := q.client.Del(ctx, q.key).Err(); err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return n, nil
}

// Close marks the queue closed for this process. Shared state in Redis is
// left intact for other processes.
func (q *Queue) Close(context.Context) error {
	q.closed.Store(true)
	return nil
}

// SeenStore returns a store that records fingerprints under the same key
// prefix.
func (q *Queue) SeenStore() *SeenStore {
	return &SeenStore{client: q.client, key: q.seenKey}
}

func decodeMember(member string) (*crawler.Request, error) {
	_, payload, found := strings.Cut(member, "|")
	if !found {
		return nil, fmt.Errorf("%w: missing sequence prefix", crawler.ErrMalformedWorkUnit)
	}
	return crawler.UnmarshalRequest([]byte(payload))
}

// SeenStore persists fingerprints in a Redis set.
type SeenStore struct {
	client redis.Cmdable
	key    string
}

// Load returns every recorded fingerprint.
func (s *SeenStore) Load(ctx context.Context) ([]crawler.Fingerprint, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	out := make([]crawler.Fingerprint, 0, len(members))
	for _, m := range members {
		raw, err := hex.DecodeString(m)
		if err != nil || len(raw) != len(crawler.Fingerprint{}) {
			continue
		}
		var fp crawler.Fingerprint
		copy(fp[:], raw)
		out = append(out, fp)
	}
	return out, nil
}

// Record adds fp to the set.
func (s *SeenStore) Record(ctx context.Context, fp crawler.Fingerprint) error {
	if err := s.client.SAdd(ctx, s.key, fp.String()).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}
