package progress

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StageAdmitted       Stage = "ADMITTED"
	StageDirectDelivery Stage = "DIRECT_DELIVERY"
	StageDequeued       Stage = "DEQUEUED"
	StageFetchDone      Stage = "FETCH_DONE"
	StageParseDone      Stage = "PARSE_DONE"
	StageDropped        Stage = "DROPPED"
	StageRetried        Stage = "RETRIED"
	StageItem           Stage = "ITEM"
	StageIdle           Stage = "IDLE"
)

// Reason explains why a request was dropped.
type Reason string

// Drop reasons.
const (
	ReasonDuplicate  Reason = "duplicate"
	ReasonCapacity   Reason = "capacity"
	ReasonMalformed  Reason = "malformed"
	ReasonMiddleware Reason = "middleware"
	ReasonFault      Reason = "fault"
	ReasonAbandoned  Reason = "abandoned"
	ReasonSink       Reason = "sink"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of a crawl run.
type Event struct {
	// RunID identifies the crawl run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Site is the request host, when the event concerns a request.
	Site string
	// URL is the optional request URL; it should not contain credentials.
	URL string
	// Priority is the request priority at the time of the event.
	Priority int
	// Bytes carries the response size for fetch completions.
	Bytes int64
	// StatusClass groups HTTP response codes for fetch completions.
	StatusClass StatusClass
	// Dur captures fetch latency or run wall time.
	Dur time.Duration
	// Reason is set on DROPPED events.
	Reason Reason
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// NewEvent stamps an event for runID with the current time.
func NewEvent(runID [16]byte, stage Stage) Event {
	return Event{RunID: runID, TS: time.Now().UTC(), Stage: stage}
}

// WithURL fills URL and Site from rawURL.
func (e Event) WithURL(rawURL string) Event {
	e.URL = rawURL
	e.Site = SiteOf(rawURL)
	return e
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageIdle:
	case StageAdmitted, StageDirectDelivery, StageDequeued, StageParseDone, StageRetried, StageItem:
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageDropped:
		if e.Reason == "" {
			return errors.New("dropped requires reason")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// SiteOf extracts a lowercase host label, or "unknown".
func SiteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
