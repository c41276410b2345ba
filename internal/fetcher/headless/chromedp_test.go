package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{MaxParallel: -1}, nil); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	fetcher, err := NewChromedp(Config{MaxParallel: 2}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer fetcher.Close()

	ctx := context.Background()
	require.NoError(t, fetcher.acquire(ctx))
	require.NoError(t, fetcher.acquire(ctx))
	if fetcher.limiter.TryAcquire(1) {
		t.Fatal("expected limiter to be exhausted after two slots")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err = fetcher.acquire(waitCtx)
	require.ErrorIs(t, err, crawler.ErrTimeout)

	fetcher.release()
	require.True(t, fetcher.limiter.TryAcquire(1))
}

func TestFetchRejectsNonGet(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{}, nil)
	require.NoError(t, err)
	defer fetcher.Close()

	req := crawler.NewRequest("https://example.com/", 0)
	req.Method = http.MethodPost
	_, err = fetcher.Fetch(context.Background(), req)
	require.ErrorIs(t, err, crawler.ErrTransport)
}

func TestFetcherNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	if got := fetcher.navTimeout(); got != 45*time.Second {
		t.Fatalf("expected default nav timeout, got %v", got)
	}
	fetcher.cfg.NavigationTimeout = time.Second
	if got := fetcher.navTimeout(); got != time.Second {
		t.Fatalf("expected override to be used, got %v", got)
	}
}

func TestCloneHeaderAndNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	if len(src["X-Test"]) != 2 {
		t.Fatalf("source header mutated: %+v", src)
	}

	netHeaders := toNetworkHeaders(src)
	switch v := netHeaders["X-Test"].(type) {
	case []string:
		if len(v) != 2 {
			t.Fatalf("expected two entries, got %v", v)
		}
	default:
		t.Fatalf("expected []string, got %T", v)
	}
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	if status != 204 || headers.Get("X-Request-ID") != "abc" || url != "https://example.com/rendered" {
		t.Fatalf("unexpected snapshot values: status=%d headers=%v url=%s", status, headers, url)
	}

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	if status != http.StatusOK || url != "https://final" {
		t.Fatalf("expected fallback values, got status=%d url=%s", status, url)
	}
}
