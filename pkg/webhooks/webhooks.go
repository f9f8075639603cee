package webhooks

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("webhook not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrInvalidURL       = errors.New("webhook url must be an absolute https url")
	ErrNoEvents         = errors.New("at least one event type is required")
	ErrUnknownEvent     = errors.New("unknown event type")
	ErrUnknownFormat    = errors.New("unknown payload format, use json, slack or teams")
)

// EventType represents the type of webhook event
type EventType string

const (
	EventDesignCreated      EventType = "design.created"
	EventDesignUpdated      EventType = "design.updated"
	EventDesignDeleted      EventType = "design.deleted"
	EventAttachmentUploaded EventType = "design.attachment_uploaded"
	EventAttachmentDeleted  EventType = "design.attachment_deleted"
	EventReportCompleted    EventType = "report.completed"
	EventReportFailed       EventType = "report.failed"

	// EventPing is only sent by the ping endpoint and cannot be subscribed to
	EventPing EventType = "ping"
)

var subscribable = map[EventType]bool{
	EventDesignCreated:      true,
	EventDesignUpdated:      true,
	EventDesignDeleted:      true,
	EventAttachmentUploaded: true,
	EventAttachmentDeleted:  true,
	EventReportCompleted:    true,
	EventReportFailed:       true,
}

// Valid reports whether endpoints may subscribe to t
func (t EventType) Valid() bool { return subscribable[t] }

// Format selects the request body shape
type Format string

const (
	FormatJSON  Format = "json"
	FormatSlack Format = "slack"
	FormatTeams Format = "teams"
)

// Valid reports whether f is a known format
func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatSlack, FormatTeams:
		return true
	}
	return false
}

// Event is the JSON body of a generic delivery
type Event struct {
	ID         string      `json:"id"`
	Type       EventType   `json:"type"`
	OrgID      string      `json:"org_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// Endpoint is a URL registered by an organization. Secret is only populated
// when the endpoint is created or its secret rotated.
type Endpoint struct {
	ID            string      `json:"id"`
	OrgID         string      `json:"org_id"`
	URL           string      `json:"url"`
	Secret        string      `json:"secret,omitempty"`
	Events        []EventType `json:"events"`
	Format        Format      `json:"format"`
	Description   string      `json:"description,omitempty"`
	Active        bool        `json:"active"`
	FailureStreak int         `json:"failure_streak"`
	CreatedBy     string      `json:"created_by"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Subscribed reports whether the endpoint wants events of type t
func (e *Endpoint) Subscribed(t EventType) bool {
	for _, s := range e.Events {
		if s == t {
			return true
		}
	}
	return false
}

func (e *Endpoint) redacted() *Endpoint {
	cp := *e
	cp.Secret = ""
	return &cp
}

// CreateEndpointRequest registers an endpoint
type CreateEndpointRequest struct {
	URL         string      `json:"url"`
	Events      []EventType `json:"events"`
	Format      Format      `json:"format,omitempty"`
	Description string      `json:"description,omitempty"`
}

// UpdateEndpointRequest changes the fields that are set
type UpdateEndpointRequest struct {
	URL         *string     `json:"url,omitempty"`
	Events      []EventType `json:"events,omitempty"`
	Format      *Format     `json:"format,omitempty"`
	Description *string     `json:"description,omitempty"`
	Active      *bool       `json:"active,omitempty"`
}

func validateURL(raw string, allowInsecure bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ErrInvalidURL
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if allowInsecure {
			return nil
		}
	}
	return ErrInvalidURL
}

// normalizeEvents validates, dedupes and sorts events
func normalizeEvents(events []EventType) ([]EventType, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	seen := make(map[EventType]bool, len(events))
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		if !e.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e)
		}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDeliveryNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidURL), errors.Is(err, ErrNoEvents),
		errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrUnknownFormat):
		return http.StatusBadRequest
	}
	return 0
}
