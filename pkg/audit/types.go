package audit

import (
	"time"
)

// EventType identifies what happened
type EventType string

const (
	// Authentication
	EventTypeAuthLogin        EventType = "auth.login"
	EventTypeAuthLogout       EventType = "auth.logout"
	EventTypeAuthLoginFailed  EventType = "auth.login_failed"
	EventTypeAuthTokenCreate  EventType = "auth.token_create"
	EventTypeAuthTokenRevoke  EventType = "auth.token_revoke"
	EventTypeAuthAccessDenied EventType = "auth.access_denied"

	// Designs
	EventTypeDesignCreate EventType = "design.create"
	EventTypeDesignUpdate EventType = "design.update"
	EventTypeDesignDelete EventType = "design.delete"
	EventTypeDesignExport EventType = "design.export"

	// Equipment
	EventTypeEquipmentCreate EventType = "equipment.create"
	EventTypeEquipmentUpdate EventType = "equipment.update"
	EventTypeEquipmentDelete EventType = "equipment.delete"
	EventTypeEquipmentImport EventType = "equipment.import"

	// Organization
	EventTypeOrgCreate         EventType = "org.create"
	EventTypeOrgUpdate         EventType = "org.update"
	EventTypeOrgDelete         EventType = "org.delete"
	EventTypeMemberAdd         EventType = "org.member_add"
	EventTypeMemberRemove      EventType = "org.member_remove"
	EventTypeMemberRoleChange  EventType = "org.member_role_change"
	EventTypeMemberInvite      EventType = "org.member_invite"
	EventTypeTeamCreate        EventType = "team.create"
	EventTypeTeamDelete        EventType = "team.delete"
	EventTypeTeamMemberAdd     EventType = "team.member_add"
	EventTypeTeamMemberRemove  EventType = "team.member_remove"
	EventTypeDesignGrant       EventType = "team.design_grant"
	EventTypeDesignGrantRevoke EventType = "team.design_revoke"

	// Billing
	EventTypeBillingPlanChange   EventType = "billing.plan_change"
	EventTypeBillingSubscription EventType = "billing.subscription"
	EventTypeBillingPayment      EventType = "billing.payment"

	// Reports and attachments
	EventTypeReportGenerate   EventType = "report.generate"
	EventTypeAttachmentUpload EventType = "attachment.upload"
	EventTypeAttachmentDelete EventType = "attachment.delete"

	// Webhooks
	EventTypeWebhookCreate EventType = "webhook.create"
	EventTypeWebhookUpdate EventType = "webhook.update"
	EventTypeWebhookDelete EventType = "webhook.delete"

	// Generic mutating request recorded by the middleware
	EventTypeHTTPMutation EventType = "http.mutation"
)

// EventStatus is the outcome of an audited action
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType names the kind of object acted upon
type ResourceType string

const (
	ResourceTypeUser         ResourceType = "user"
	ResourceTypeToken        ResourceType = "token"
	ResourceTypeOrganization ResourceType = "organization"
	ResourceTypeDesign       ResourceType = "design"
	ResourceTypeEquipment    ResourceType = "equipment"
	ResourceTypeTeam         ResourceType = "team"
	ResourceTypeBilling      ResourceType = "billing"
	ResourceTypeReport       ResourceType = "report"
	ResourceTypeAttachment   ResourceType = "attachment"
	ResourceTypeWebhook      ResourceType = "webhook"
)

// Event is one audit log entry
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor
	UserID    string `json:"user_id,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	TokenID   string `json:"token_id,omitempty"`

	// Target
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	ResourceName string       `json:"resource_name,omitempty"`

	// Request
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Changes      *ChangeDetails         `json:"changes,omitempty"`
}

// ChangeDetails captures before and after values of a mutation
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// SearchFilter narrows an audit query. OrgID is required by the HTTP API.
type SearchFilter struct {
	OrgID        string
	UserID       string
	EventTypes   []EventType
	Status       EventStatus
	ResourceType ResourceType
	ResourceID   string
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
	Offset       int
}

// ExportFormat is the encoding used by the export endpoint
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// DefaultRetention is how long audit rows are kept before Cleanup removes them
const DefaultRetention = 365 * 24 * time.Hour
