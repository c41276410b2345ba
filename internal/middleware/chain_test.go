package middleware

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type scriptedFetch struct {
	name     string
	log      *callLog
	before   Result
	after    Result
	onError  Result
	beforeEr error
	afterEr  error
	panicIn  string
	released bool
}

func (s *scriptedFetch) BeforeFetch(context.Context, *crawler.Request) (Result, error) {
	s.log.add("before %s", s.name)
	if s.panicIn == "before" {
		panic("boom")
	}
	return s.before, s.beforeEr
}

func (s *scriptedFetch) AfterFetch(context.Context, *crawler.Request, *crawler.Response) (Result, error) {
	s.log.add("after %s", s.name)
	return s.after, s.afterEr
}

func (s *scriptedFetch) FetchError(context.Context, *crawler.Request, error) (Result, error) {
	s.log.add("error %s", s.name)
	return s.onError, nil
}

func (s *scriptedFetch) Release(context.Context, *crawler.Request) {
	s.log.add("release %s", s.name)
	s.released = true
}

func okFetch(log *callLog) FetchFunc {
	return func(_ context.Context, req *crawler.Request) (*crawler.Response, error) {
		log.add("fetch")
		return &crawler.Response{URL: req.URL, StatusCode: http.StatusOK, Request: req}, nil
	}
}

func threeFetch(log *callLog) (map[int]FetchMiddleware, *scriptedFetch, *scriptedFetch, *scriptedFetch) {
	a := &scriptedFetch{name: "100", log: log}
	b := &scriptedFetch{name: "200", log: log}
	c := &scriptedFetch{name: "300", log: log}
	return map[int]FetchMiddleware{300: c, 100: a, 200: b}, a, b, c
}

func TestFetchChainOrdering(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	mws, _, _, _ := threeFetch(log)
	chain := NewFetchChain(mws, nil)
	require.Equal(t, 3, chain.Len())

	resp, outcome := chain.Execute(context.Background(), crawler.NewRequest("https://example.com/", 0), okFetch(log))
	require.Equal(t, Continue, outcome.Action)
	require.NotNil(t, resp)
	require.Equal(t, []string{
		"before 100", "before 200", "before 300",
		"fetch",
		"after 300", "after 200", "after 100",
	}, log.list())
}

func TestFetchChainRetryFromAfterHookStillRunsLowerHooks(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	mws, a, b, _ := threeFetch(log)
	b.after = RetryWith("status 503")
	a.after = DropWith("ignored")
	chain := NewFetchChain(mws, nil)

	resp, outcome := chain.Execute(context.Background(), crawler.NewRequest("https://example.com/", 0), okFetch(log))
	require.Nil(t, resp)
	require.Equal(t, Retry, outcome.Action)
	require.Equal(t, "status 503", outcome.Reason)
	require.Equal(t, []string{
		"before 100", "before 200", "before 300",
		"fetch",
		"after 300", "after 200", "after 100",
	}, log.list())
}

func TestFetchChainKeepInBeforeSkipsRemainingBeforeHooks(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	mws, a, _, _ := threeFetch(log)
	a.before = Kept()
	chain := NewFetchChain(mws, nil)

	_, outcome := chain.Execute(context.Background(), crawler.NewRequest("https://example.com/", 0), okFetch(log))
	require.Equal(t, Continue, outcome.Action)
	require.Equal(t, []string{
		"before 100",
		"fetch",
		"after 300", "after 200", "after 100",
	}, log.list())
}

func TestFetchChainDropInBeforeReleasesEarlierHooks(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	mws, a, b, c := threeFetch(log)
	c.before = DropWith("robots")
	chain := NewFetchChain(mws, nil)

	resp, outcome := chain.Execute(context.Background(), crawler.NewRequest("https://example.com/", 0), okFetch(log))
	require.Nil(t, resp)
	require.Equal(t, Drop, outcome.Action)
	require.Equal(t, "robots", outcome.Reason)
	require.NoError(t, outcome.Err)
	require.True(t, a.released)
	require.True(t, b.released)
	require.False(t, c.released)
	require.Equal(t, []string{
		"before 100", "before 200", "before 300",
		"release 200", "release 100",
	}, log.list())
}

func TestFetchChainKeepReplacesResponse(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	mws, _, b, _ := threeFetch(log)
	replacement := &crawler.Response{URL: "https://example.com/rendered", StatusCode: http.StatusOK}
	b.after = KeepResponse(replacement)
	chain := NewFetchChain(mws, nil)

	resp, outcome := chain.Execute(context.Background(), crawler.NewRequest("https://example.com/", 0), okFetch(log))
	require.Equal(t, Continue, outcome.Action)
	require.Same(t, replacement, resp)
}

func TestFetchChainExceptionPass(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	failing := func(context.Context, *crawler.Request) (*crawler.Response, error) {
		return nil, fmt.Errorf("dial: %w: %w", crawler.ErrTransport, boom)
	}

	t.Run("first decisive hook wins and the rest still run", func(t *testing.T) {
		t.Parallel()
		log := &callLog{}
		mws, _, b, c := threeFetch(log)
		b.onError = RetryWith("transport")
		c.onError = DropWith("ignored")
		_, outcome := NewFetchChain(mws, nil).Execute(context.Background(), crawler.NewRequest("https://example.com/", 0), failing)
		require.Equal(t, Retry, outcome.Action)
		require.Equal(t, []string{
			"before 100", "before 200", "before 300",
			"error 100", "error 200", "error 300",
		}, log.list())
	})

	t.Run("keep with a response recovers", func(t *testing.T) {
		t.Parallel()
		log := &callLog{}
		mws, a, _, _ := threeFetch(log)
		cached := &crawler.Response{URL: "https://example.com/", StatusCode: http.StatusOK}
		a.onError = KeepResponse(cached)
		resp, outcome := NewFetchChain(mws, nil).Execute(context.Background(), crawler.NewRequest("https://example.com/", 0), failing)
		require.Equal(t, Continue, outcome.Action)
		require.Same(t, cached, resp)
	})

	t.Run("unabsorbed error becomes a fault", func(t *testing.T) {
		t.Parallel()
		log := &callLog{}
		mws, _, _, _ := threeFetch(log)
		_, outcome := NewFetchChain(mws, nil).Execute(context.Background(), crawler.NewRequest("https://example.com/", 0), failing)
		require.Equal(t, Drop, outcome.Action)
		var mf *crawler.MiddlewareFault
		require.ErrorAs(t, outcome.Err, &mf)
		require.Equal(t, "fetch", mf.Stage)
		require.ErrorIs(t, outcome.Err, boom)
	})
}

func TestFetchChainRecoversPanics(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	mws, _, b, _ := threeFetch(log)
	b.panicIn = "before"
	_, outcome := NewFetchChain(mws, nil).Execute(context.Background(), crawler.NewRequest("https://example.com/", 0), okFetch(log))
	require.Equal(t, Drop, outcome.Action)
	require.Error(t, outcome.Err)
	require.Contains(t, outcome.Err.Error(), "panic")
}

func TestFetchChainHookErrorEntersExceptionPass(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	mws, a, _, c := threeFetch(log)
	c.afterEr = errors.New("bad header")
	a.onError = DropWith("absorbed")
	_, outcome := NewFetchChain(mws, nil).Execute(context.Background(), crawler.NewRequest("https://example.com/", 0), okFetch(log))
	require.Equal(t, Drop, outcome.Action)
	require.Equal(t, "absorbed", outcome.Reason)
	require.NoError(t, outcome.Err)
}

type scriptedParse struct {
	NopParse
	name  string
	log   *callLog
	after func(out crawler.Output) Result
	err   Result
}

func (s *scriptedParse) AfterParse(_ context.Context, _ *crawler.Response, out crawler.Output) (Result, error) {
	s.log.add("after %s %s", s.name, outputName(out))
	if s.after == nil {
		return Next(), nil
	}
	return s.after(out), nil
}

func (s *scriptedParse) ParseError(context.Context, *crawler.Response, error) (Result, error) {
	s.log.add("error %s", s.name)
	return s.err, nil
}

func outputName(out crawler.Output) string {
	if out.Request != nil {
		return out.Request.URL
	}
	return fmt.Sprint(out.Item.Data["name"])
}

func sliceParser(outs []crawler.Output, tail error) crawler.Parser {
	return crawler.ParserFunc(func(context.Context, *crawler.Response) iter.Seq2[crawler.Output, error] {
		return func(yield func(crawler.Output, error) bool) {
			for _, out := range outs {
				if !yield(out, nil) {
					return
				}
			}
			if tail != nil {
				yield(crawler.Output{}, tail)
			}
		}
	})
}

func item(name string) crawler.Output {
	it := crawler.NewItem()
	it.Data["name"] = name
	return crawler.ItemOutput(it)
}

func TestParseChainAfterPassPerOutput(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	low := &scriptedParse{name: "100", log: log}
	high := &scriptedParse{name: "200", log: log, after: func(out crawler.Output) Result {
		if out.Request != nil {
			return DropWith("offsite")
		}
		return Next()
	}}
	chain := NewParseChain(map[int]ParseMiddleware{100: low, 200: high}, nil)

	var emitted, dropped []string
	outcome := chain.Execute(
		context.Background(),
		&crawler.Response{URL: "https://example.com/"},
		sliceParser([]crawler.Output{item("a"), crawler.RequestOutput(crawler.NewRequest("https://other.com/", 0))}, nil),
		func(_ context.Context, out crawler.Output) { emitted = append(emitted, outputName(out)) },
		func(_ context.Context, out crawler.Output, reason string) {
			dropped = append(dropped, outputName(out)+":"+reason)
		},
	)
	require.Equal(t, Continue, outcome.Action)
	require.Equal(t, []string{"a"}, emitted)
	require.Equal(t, []string{"https://other.com/:offsite"}, dropped)
	require.Equal(t, []string{
		"after 200 a", "after 100 a",
		"after 200 https://other.com/", "after 100 https://other.com/",
	}, log.list())
}

func TestParseChainRetryDiscardsRemainingOutputs(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	mw := &scriptedParse{name: "100", log: log, after: func(out crawler.Output) Result {
		if outputName(out) == "b" {
			return RetryWith("captcha")
		}
		return Next()
	}}
	chain := NewParseChain(map[int]ParseMiddleware{100: mw}, nil)

	var emitted []string
	outcome := chain.Execute(
		context.Background(),
		&crawler.Response{URL: "https://example.com/"},
		sliceParser([]crawler.Output{item("a"), item("b"), item("c")}, nil),
		func(_ context.Context, out crawler.Output) { emitted = append(emitted, outputName(out)) },
		nil,
	)
	require.Equal(t, Retry, outcome.Action)
	require.Equal(t, []string{"a"}, emitted)
}

func TestParseChainParserErrorRecovery(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	mw := &scriptedParse{name: "100", log: log, err: KeepOutput(item("fallback"))}
	chain := NewParseChain(map[int]ParseMiddleware{100: mw}, nil)

	var emitted []string
	outcome := chain.Execute(
		context.Background(),
		&crawler.Response{URL: "https://example.com/"},
		sliceParser([]crawler.Output{item("a")}, errors.New("bad html")),
		func(_ context.Context, out crawler.Output) { emitted = append(emitted, outputName(out)) },
		nil,
	)
	require.Equal(t, Continue, outcome.Action)
	require.Equal(t, []string{"a", "fallback"}, emitted)
}

func TestParseChainUnhandledParserErrorIsFault(t *testing.T) {
	t.Parallel()

	chain := NewParseChain(map[int]ParseMiddleware{}, nil)
	outcome := chain.Execute(
		context.Background(),
		&crawler.Response{URL: "https://example.com/"},
		crawler.ParserFunc(func(context.Context, *crawler.Response) iter.Seq2[crawler.Output, error] {
			return func(func(crawler.Output, error) bool) { panic("parser exploded") }
		}),
		func(context.Context, crawler.Output) {},
		nil,
	)
	require.Equal(t, Drop, outcome.Action)
	var mf *crawler.MiddlewareFault
	require.ErrorAs(t, outcome.Err, &mf)
	require.Equal(t, "parse", mf.Stage)
}

type dropBeforeParse struct {
	NopParse
}

func (dropBeforeParse) BeforeParse(context.Context, *crawler.Response) (Result, error) {
	return DropWith("status 404"), nil
}

func TestParseChainBeforeDropSkipsParser(t *testing.T) {
	t.Parallel()

	called := false
	parser := crawler.ParserFunc(func(context.Context, *crawler.Response) iter.Seq2[crawler.Output, error] {
		called = true
		return func(func(crawler.Output, error) bool) {}
	})
	outcome := NewParseChain(map[int]ParseMiddleware{50: dropBeforeParse{}}, nil).Execute(
		context.Background(),
		&crawler.Response{URL: "https://example.com/"},
		parser,
		func(context.Context, crawler.Output) {},
		nil,
	)
	require.Equal(t, Drop, outcome.Action)
	require.Equal(t, "status 404", outcome.Reason)
	require.False(t, called)
}
