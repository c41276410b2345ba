package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/fingerprint"
	"github.com/JakeFAU/crawlcore/internal/progress/sinks"
	"github.com/JakeFAU/crawlcore/internal/queue/memory"
	"github.com/JakeFAU/crawlcore/internal/scheduler"
)

type fakeEngine struct {
	active  int
	running bool
}

func (f fakeEngine) Active() int   { return f.active }
func (f fakeEngine) Running() bool { return f.running }

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	fp, err := fingerprint.New(fingerprint.Config{})
	require.NoError(t, err)
	sched, err := scheduler.New(memory.NewQueue(0), fp, scheduler.Config{})
	require.NoError(t, err)
	return sched
}

func newTestServer(t *testing.T, deps Deps, cfg config.Config) http.Handler {
	t.Helper()
	if deps.Scheduler == nil {
		deps.Scheduler = newTestScheduler(t)
	}
	server, err := NewServer(deps, cfg, zap.NewNop())
	require.NoError(t, err)
	return server.Handler()
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewServerRequiresScheduler(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Deps{}, config.Config{}, nil)
	require.Error(t, err)
}

func TestServerHealthAndReadiness(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	h := newTestServer(t, Deps{Engine: engine}, config.Config{})

	rec := serve(h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(h, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	engine.running = true
	rec = serve(h, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerSubmitRequests(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t)
	h := newTestServer(t, Deps{Scheduler: sched}, config.Config{})

	body := `{"requests":[
		{"url":"https://example.com/a","priority":5},
		{"url":"https://example.com/b","meta":{"render":true}},
		{"url":"https://example.com/a"}
	]}`
	rec := serve(h, http.MethodPost, "/v1/requests", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Accepted int               `json:"accepted"`
		Results  []admissionResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Accepted)
	require.Len(t, resp.Results, 3)
	require.Equal(t, "queued", resp.Results[0].Admission)
	require.Equal(t, "duplicate", resp.Results[2].Admission)

	stats := sched.Stats(context.Background())
	require.Equal(t, 2, stats.Queued)
	require.Equal(t, 1, stats.Duplicates)

	req, err := sched.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a", req.URL)
	require.Equal(t, 5, req.Priority)
}

func TestServerSubmitRequestsValidation(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, Deps{}, config.Config{})
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{`},
		{name: "unknown field", body: `{"urls":["https://example.com"]}`},
		{name: "empty", body: `{"requests":[]}`},
		{name: "missing url", body: `{"requests":[{"priority":1}]}`},
		{name: "relative url", body: `{"requests":[{"url":"/path"}]}`},
		{name: "bad scheme", body: `{"requests":[{"url":"ftp://example.com/"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(h, http.MethodPost, "/v1/requests", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServerSubmitRequestsAfterClose(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t)
	require.NoError(t, sched.Close(context.Background()))
	h := newTestServer(t, Deps{Scheduler: sched}, config.Config{})

	rec := serve(h, http.MethodPost, "/v1/requests", `{"requests":[{"url":"https://example.com/"}]}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerStats(t *testing.T) {
	t.Parallel()

	sched := newTestScheduler(t)
	_, err := sched.Admit(context.Background(), crawler.NewRequest("https://example.com/", 0))
	require.NoError(t, err)
	runID := uuid.New()
	h := newTestServer(t, Deps{
		Scheduler: sched,
		Engine:    fakeEngine{active: 3, running: true},
		Counters:  sinks.NewCounterSink(),
		RunID:     runID,
	}, config.Config{})

	rec := serve(h, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, runID.String(), resp.RunID)
	require.True(t, resp.Running)
	require.Equal(t, 3, resp.Active)
	require.Equal(t, 1, resp.Scheduler.Queued)
	require.Equal(t, 1, resp.Scheduler.Seen)
	require.NotNil(t, resp.Progress)
}

func TestServerAPIKey(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	h := newTestServer(t, Deps{}, cfg)

	rec := serve(h, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/v1/stats?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerMetricsAndInstrument(t *testing.T) {
	t.Parallel()

	var instrumented int
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("crawler_up 1\n"))
	})
	h := newTestServer(t, Deps{
		Metrics: metricsHandler,
		Instrument: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				instrumented++
				next.ServeHTTP(w, r)
			})
		},
	}, config.Config{})

	rec := serve(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crawler_up 1")

	serve(h, http.MethodGet, "/v1/stats", "")
	require.Equal(t, 1, instrumented)

	h = newTestServer(t, Deps{}, config.Config{})
	rec = serve(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDPropagated(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, Deps{}, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := serve(h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}
