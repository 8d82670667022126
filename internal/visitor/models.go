package visitor

import (
	"encoding/json"
	"time"

	"example.com/fpdemo/internal/vendor"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// DetailEventLimit caps the events returned with a single visitor.
	DetailEventLimit = 50
)

// Visitor is one row per vendor-issued visitor ID.
type Visitor struct {
	VisitorID  string    `json:"visitor_id"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	VisitCount int       `json:"visit_count"`
	// EventCount is only filled by ListVisitors.
	EventCount *int `json:"event_count,omitempty"`
}

// Event is an immutable identification event as stored.
type Event struct {
	ID        int64   `json:"id"`
	VisitorID string  `json:"visitor_id"`
	RequestID *string `json:"request_id"`
	// Timestamp is epoch milliseconds.
	Timestamp int64   `json:"timestamp"`
	EventTime string  `json:"event_time"`
	IP        *string `json:"ip"`
	Incognito bool    `json:"incognito"`
	URL       *string `json:"url"`

	// Visitor summary, present on the global feed only.
	FirstSeen  *time.Time `json:"first_seen,omitempty"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	VisitCount *int       `json:"visit_count,omitempty"`

	RawData string          `json:"-"`
	Data    json.RawMessage `json:"data,omitempty"`
	// Signals are decoded from the stored payload.
	Signals *vendor.Signals `json:"signals,omitempty"`
}

// NewEvent is the write model for RecordEvent.
type NewEvent struct {
	VisitorID string
	// RequestID may be empty; such events are stored without a business key.
	RequestID string
	Timestamp time.Time
	EventTime string
	IP        string
	Incognito bool
	URL       string
	RawData   string
}

// Filter selects the global feed (zero value) or one visitor's events.
type Filter struct {
	VisitorID string
}

// Pagination is the metadata returned next to a page.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// Page is one slice of the event feed.
type Page struct {
	Events     []Event    `json:"events"`
	Pagination Pagination `json:"pagination"`
}

// ClampPage applies the default page size and bounds limit and offset.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// enrich exposes raw_data as parsed JSON and decodes its signals. A
// malformed payload leaves both empty and keeps the scalar fields.
func (e *Event) enrich() {
	if e.RawData == "" || !json.Valid([]byte(e.RawData)) {
		return
	}
	e.Data = json.RawMessage(e.RawData)
	parsed, err := vendor.Normalize([]byte(e.RawData), fromMillis(e.Timestamp))
	if err != nil || parsed.Signals.Empty() {
		return
	}
	e.Signals = &parsed.Signals
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
