package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MarshalRequest encodes a request for durable or shared queue backends.
func MarshalRequest(req *Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("marshal nil request: %w", ErrMalformedRequest)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

// UnmarshalRequest decodes a queued request. Corrupt payloads fail with
// ErrMalformedWorkUnit.
func UnmarshalRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWorkUnit, err)
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("%w: missing url", ErrMalformedWorkUnit)
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	if req.Meta == nil {
		req.Meta = map[string]any{}
	}
	return &req, nil
}
