package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ContentType returns the MIME type for an export format
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Export writes events to w in format
func Export(w io.Writer, events []*Event, format ExportFormat) error {
	switch format {
	case ExportFormatCSV:
		return exportCSV(w, events)
	case ExportFormatNDJSON:
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
		}
		return nil
	case ExportFormatJSON, "":
		if events == nil {
			events = []*Event{}
		}
		return json.NewEncoder(w).Encode(events)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

var csvHeader = []string{
	"id", "timestamp", "event_type", "status",
	"user_id", "user_email", "org_id", "token_id",
	"resource_type", "resource_id", "resource_name",
	"ip_address", "request_id", "method", "path", "status_code",
	"message", "error_message",
}

func exportCSV(w io.Writer, events []*Event) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range events {
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.Timestamp.UTC().Format(time.RFC3339),
			string(e.EventType),
			string(e.Status),
			e.UserID, e.UserEmail, e.OrgID, e.TokenID,
			string(e.ResourceType), e.ResourceID, e.ResourceName,
			e.IPAddress, e.RequestID, e.Method, e.Path,
			strconv.Itoa(e.StatusCode),
			e.Message, e.ErrorMessage,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
