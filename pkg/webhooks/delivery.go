package webhooks

import (
	"encoding/json"
	"time"
)

// DeliveryStatus represents the status of a webhook delivery
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	DeliveryStatusFailed   DeliveryStatus = "failed"
)

// Delivery is one event sent to one endpoint, across all of its attempts
type Delivery struct {
	ID            string          `json:"id"`
	EndpointID    string          `json:"webhook_id"`
	OrgID         string          `json:"org_id"`
	EventID       string          `json:"event_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	Status        DeliveryStatus  `json:"status"`
	ResponseCode  int             `json:"response_code,omitempty"`
	Error         string          `json:"error,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Done reports whether no further attempts will be made
func (d *Delivery) Done() bool {
	return d.Status == DeliveryStatusSuccess || d.Status == DeliveryStatusFailed
}

// DeliveryStats summarizes a page of deliveries
type DeliveryStats struct {
	Total             int     `json:"total"`
	Successful        int     `json:"successful"`
	Failed            int     `json:"failed"`
	Retrying          int     `json:"retrying"`
	SuccessRate       float64 `json:"success_rate"`
	AverageDurationMS int64   `json:"average_duration_ms"`
}

// Summarize computes stats over deliveries. Pending ones count toward the
// total only; the average covers successful deliveries.
func Summarize(deliveries []*Delivery) DeliveryStats {
	var stats DeliveryStats
	var successDuration int64
	for _, d := range deliveries {
		stats.Total++
		switch d.Status {
		case DeliveryStatusSuccess:
			stats.Successful++
			successDuration += d.DurationMS
		case DeliveryStatusFailed:
			stats.Failed++
		case DeliveryStatusRetrying:
			stats.Retrying++
		}
	}
	if stats.Successful > 0 {
		stats.AverageDurationMS = successDuration / int64(stats.Successful)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats
}
