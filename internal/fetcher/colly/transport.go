package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var handshakeRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// handshakeRetryTransport retries idempotent requests whose TLS handshake
// timed out. Other failures pass straight through.
type handshakeRetryTransport struct {
	base    http.RoundTripper
	backoff []time.Duration
	logger  *zap.Logger
}

func newHandshakeRetryTransport(base http.RoundTripper, logger *zap.Logger) *handshakeRetryTransport {
	return &handshakeRetryTransport{base: base, backoff: handshakeRetryBackoff, logger: logger}
}

func (t *handshakeRetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("transport received nil request")
	}
	if !isIdempotent(req) {
		return t.base.RoundTrip(req) //nolint:wrapcheck // transport errors are classified by the fetcher
	}
	maxAttempts := len(t.backoff) + 1
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isHandshakeTimeout(err) || attempt == maxAttempts-1 || req.Context().Err() != nil {
			return nil, err //nolint:wrapcheck // transport errors are classified by the fetcher
		}
		t.logger.Debug("tls handshake timeout, retrying",
			zap.String("host", req.URL.Host),
			zap.Int("attempt", attempt+1),
		)
		if err := sleepWithContext(req.Context(), t.backoff[attempt]); err != nil {
			return nil, err
		}
	}
}

func isIdempotent(req *http.Request) bool {
	return req.Method == "" || req.Method == http.MethodGet || req.Method == http.MethodHead
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("handshake backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isHandshakeTimeout(err error) bool {
	if err == nil {
		return false
	}
	if strings.Contains(err.Error(), "tls: handshake timeout") ||
		strings.Contains(err.Error(), "TLS handshake timeout") {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout() && strings.Contains(strings.ToLower(err.Error()), "handshake")
}
