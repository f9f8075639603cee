// Package notifications stores per-user notifications in PostgreSQL and
// pushes them live to connected clients.
package notifications

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a notification does not exist for the user
var ErrNotFound = errors.New("notification not found")

// Notification kinds
const (
	KindDesignUpdated  = "design_updated"
	KindDesignDeleted  = "design_deleted"
	KindReportReady    = "report_ready"
	KindReportFailed   = "report_failed"
	KindInvoicePaid    = "invoice_paid"
	KindPaymentFailed  = "payment_failed"
	KindPlanChanged    = "plan_changed"
	KindMemberInvited  = "member_invited"
	KindWebhookFailing = "webhook_failing"
)

// PushType is the collaboration message type used for live delivery
const PushType = "notification"

// Notification is a message addressed to one user
type Notification struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id,omitempty"`
	UserID    string     `json:"user_id"`
	Kind      string     `json:"kind"`
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	Link      string     `json:"link,omitempty"`
	Read      bool       `json:"read"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// ListOptions selects a page of a user's notifications
type ListOptions struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}
