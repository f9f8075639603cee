package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// TeamsMessage represents a Microsoft Teams webhook message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary,omitempty"`
	Title      string         `json:"title,omitempty"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

// TeamsSection represents a section in a Teams message
type TeamsSection struct {
	Facts []TeamsFact `json:"facts,omitempty"`
	Text  string      `json:"text,omitempty"`
}

// TeamsFact represents a fact in a Teams section
type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// decodedEvent is an Event read back from a stored payload
type decodedEvent struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	OrgID      string                 `json:"org_id"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data"`
}

type fact struct{ name, value string }

func (e decodedEvent) facts() []fact {
	out := []fact{
		{"Event", string(e.Type)},
		{"Event ID", e.ID},
		{"Time", e.OccurredAt.UTC().Format("2006-01-02 15:04:05 MST")},
	}
	for _, key := range []struct{ field, label string }{
		{"design_id", "Design"},
		{"version", "Version"},
		{"user_id", "By"},
		{"kind", "Report"},
		{"format", "Format"},
	} {
		if v, ok := e.Data[key.field]; ok && v != nil && fmt.Sprint(v) != "" {
			out = append(out, fact{key.label, fmt.Sprint(v)})
		}
	}
	return out
}

func (e decodedEvent) detail() string {
	if msg, ok := e.Data["error"].(string); ok {
		return msg
	}
	return ""
}

// renderBody produces the request body for format from a stored event payload
func renderBody(format Format, payload []byte) ([]byte, error) {
	if format == "" || format == FormatJSON {
		return payload, nil
	}
	var e decodedEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode stored event: %w", err)
	}
	switch format {
	case FormatSlack:
		return json.Marshal(formatSlack(e))
	case FormatTeams:
		return json.Marshal(formatTeams(e))
	}
	return nil, ErrUnknownFormat
}

// formatSlack formats an event as a Slack message
func formatSlack(e decodedEvent) SlackMessage {
	fields := make([]SlackField, 0, 6)
	for _, f := range e.facts() {
		fields = append(fields, SlackField{Title: f.name, Value: f.value, Short: true})
	}
	return SlackMessage{
		Text: eventTitle(e.Type),
		Attachments: []SlackAttachment{{
			Color:  eventColor(e.Type),
			Title:  eventTitle(e.Type),
			Text:   e.detail(),
			Fields: fields,
		}},
	}
}

// formatTeams formats an event as a Microsoft Teams message card
func formatTeams(e decodedEvent) TeamsMessage {
	facts := make([]TeamsFact, 0, 6)
	for _, f := range e.facts() {
		facts = append(facts, TeamsFact{Name: f.name, Value: f.value})
	}
	return TeamsMessage{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		Summary:    eventTitle(e.Type),
		Title:      eventTitle(e.Type),
		ThemeColor: strings.TrimPrefix(eventColorHex(e.Type), "#"),
		Sections:   []TeamsSection{{Facts: facts, Text: e.detail()}},
	}
}

func eventColor(t EventType) string {
	switch t {
	case EventDesignCreated, EventReportCompleted:
		return "good"
	case EventDesignDeleted, EventReportFailed:
		return "danger"
	}
	return eventColorHex(t)
}

func eventColorHex(t EventType) string {
	switch t {
	case EventDesignCreated, EventReportCompleted:
		return "#28a745"
	case EventDesignDeleted, EventReportFailed:
		return "#dc3545"
	case EventPing:
		return "#6c757d"
	}
	return "#007bff"
}

func eventTitle(t EventType) string {
	switch t {
	case EventDesignCreated:
		return "Design created"
	case EventDesignUpdated:
		return "Design updated"
	case EventDesignDeleted:
		return "Design deleted"
	case EventAttachmentUploaded:
		return "Attachment uploaded"
	case EventAttachmentDeleted:
		return "Attachment deleted"
	case EventReportCompleted:
		return "Report ready"
	case EventReportFailed:
		return "Report failed"
	case EventPing:
		return "NetForge webhook test"
	}
	return string(t)
}
