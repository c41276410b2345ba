package crawler

import (
	"encoding/hex"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Well-known Request.Meta keys shared by middlewares and the worker.
const (
	MetaDepth      = "depth"
	MetaRetryCount = "retry_count"
	MetaRetryDelay = "retry_delay"
	MetaRender     = "render"
)

// Fingerprint is the dedup identity of a Request.
type Fingerprint [16]byte

// String renders the fingerprint as lowercase hex.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether the fingerprint has not been computed.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Request is a single unit of crawl work. It is owned by exactly one stage at
// a time; call Copy before handing a request to a second owner.
type Request struct {
	URL      string         `json:"url"`
	Method   string         `json:"method"`
	Header   http.Header    `json:"header,omitempty"`
	Body     []byte         `json:"body,omitempty"`
	Priority int            `json:"priority"`
	Meta     map[string]any `json:"meta,omitempty"`
	// DontFilter admits the request even if its fingerprint was already seen.
	DontFilter bool `json:"dont_filter,omitempty"`

	fingerprint Fingerprint
}

// NewRequest builds a GET request for rawURL.
func NewRequest(rawURL string, priority int) *Request {
	return &Request{
		URL:      rawURL,
		Method:   http.MethodGet,
		Header:   http.Header{},
		Priority: priority,
		Meta:     map[string]any{},
	}
}

// Copy returns a deep copy with the cached fingerprint cleared.
func (r *Request) Copy() *Request {
	if r == nil {
		return nil
	}
	cp := &Request{
		URL:        r.URL,
		Method:     r.Method,
		Header:     r.Header.Clone(),
		Priority:   r.Priority,
		DontFilter: r.DontFilter,
	}
	if r.Body != nil {
		cp.Body = append([]byte(nil), r.Body...)
	}
	cp.Meta = make(map[string]any, len(r.Meta))
	maps.Copy(cp.Meta, r.Meta)
	if cp.Header == nil {
		cp.Header = http.Header{}
	}
	return cp
}

// HTTPMethod returns the upper-cased method, defaulting to GET.
func (r *Request) HTTPMethod() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// Host returns the lowercase hostname of the request URL, or "" when the URL
// cannot be parsed.
func (r *Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// CachedFingerprint returns the memoized fingerprint, if any.
func (r *Request) CachedFingerprint() (Fingerprint, bool) {
	return r.fingerprint, !r.fingerprint.IsZero()
}

// SetFingerprint memoizes fp on the request.
func (r *Request) SetFingerprint(fp Fingerprint) {
	r.fingerprint = fp
}

// MetaInt reads an integer meta value. JSON round trips turn ints into
// float64, so both are accepted.
func (r *Request) MetaInt(key string) int {
	switch v := r.Meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// MetaDuration reads a duration meta value stored as time.Duration or seconds.
func (r *Request) MetaDuration(key string) time.Duration {
	switch v := r.Meta[key].(type) {
	case time.Duration:
		return v
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}

// MetaBool reads a boolean meta value.
func (r *Request) MetaBool(key string) bool {
	v, _ := r.Meta[key].(bool)
	return v
}

// SetMeta stores a meta value, allocating the map if needed.
func (r *Request) SetMeta(key string, value any) {
	if r.Meta == nil {
		r.Meta = map[string]any{}
	}
	r.Meta[key] = value
}

// Response is the result of a fetch. Non-2xx statuses are still responses.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
	Request    *Request
}

// Item is a finalized record handed to the item sink.
type Item struct {
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewItem builds an Item with empty maps.
func NewItem() Item {
	return Item{Data: map[string]any{}, Metadata: map[string]any{}}
}

// Output is one value yielded by a Parser: either a follow-up request or an
// item. Exactly one field is set.
type Output struct {
	Request *Request
	Item    *Item
}

// RequestOutput wraps a follow-up request.
func RequestOutput(req *Request) Output {
	return Output{Request: req}
}

// ItemOutput wraps an item.
func ItemOutput(item Item) Output {
	return Output{Item: &item}
}
