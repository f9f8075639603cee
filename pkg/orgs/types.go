package orgs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/contextkeys"
)

var (
	ErrNotFound           = errors.New("organization not found")
	ErrSlugTaken          = errors.New("organization slug already in use")
	ErrInvalidSlug        = errors.New("slug must be 3-63 characters of lowercase letters, digits and hyphens")
	ErrMemberNotFound     = errors.New("member not found")
	ErrAlreadyMember      = errors.New("user is already a member")
	ErrOwnerRemoval       = errors.New("the organization owner cannot be removed or demoted")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrInvitationExpired  = errors.New("invitation has expired")
	ErrInvitationUsed     = errors.New("invitation has already been used or revoked")
	ErrInvitationMismatch = errors.New("invitation was sent to a different email address")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidPlanTier    = errors.New("invalid plan tier")
	ErrSuspended          = errors.New("organization is suspended")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{1,61}[a-z0-9])$`)

// ValidateSlug checks the URL-safe organization identifier
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return ErrInvalidSlug
	}
	return nil
}

// PlanTier represents subscription plan tiers
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

var tierRank = map[PlanTier]int{
	PlanFree:       1,
	PlanPro:        2,
	PlanEnterprise: 3,
}

// Valid reports whether t is a known tier
func (t PlanTier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// AtLeast reports whether t includes everything min does
func (t PlanTier) AtLeast(min PlanTier) bool {
	return tierRank[t] >= tierRank[min] && tierRank[min] > 0
}

// ParsePlanTier converts s to a PlanTier
func ParsePlanTier(s string) (PlanTier, error) {
	t := PlanTier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlanTier, s)
	}
	return t, nil
}

// OrgStatus represents organization status
type OrgStatus string

const (
	OrgStatusActive    OrgStatus = "active"
	OrgStatusSuspended OrgStatus = "suspended"
	OrgStatusDeleted   OrgStatus = "deleted"
)

// Organization is a tenant. Designs, equipment, reports and the subscription
// all belong to exactly one organization.
type Organization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id"`
	PlanTier    PlanTier  `json:"plan_tier"`
	Status      OrgStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Unlimited is the quota value meaning no limit
const Unlimited = 0

const (
	mib = int64(1) << 20
	gib = int64(1) << 30
)

// OrgQuotas are the limits and feature flags of a plan tier
type OrgQuotas struct {
	MaxDesigns         int64 `json:"max_designs"`
	MaxEquipment       int64 `json:"max_equipment"`
	MaxStorageBytes    int64 `json:"max_storage_bytes"`
	MaxReportsPerMonth int64 `json:"max_reports_per_month"`
	APIRequestsPerHour int   `json:"api_requests_per_hour"`
	Collaboration      bool  `json:"collaboration"`
	PDFReports         bool  `json:"pdf_reports"`
	Webhooks           bool  `json:"webhooks"`
}

var tierQuotas = map[PlanTier]OrgQuotas{
	PlanFree: {
		MaxDesigns:         3,
		MaxEquipment:       50,
		MaxStorageBytes:    100 * mib,
		MaxReportsPerMonth: 5,
		APIRequestsPerHour: 1000,
	},
	PlanPro: {
		MaxDesigns:         50,
		MaxEquipment:       1000,
		MaxStorageBytes:    5 * gib,
		MaxReportsPerMonth: 100,
		APIRequestsPerHour: 10000,
		Collaboration:      true,
		PDFReports:         true,
		Webhooks:           true,
	},
	PlanEnterprise: {
		MaxDesigns:         Unlimited,
		MaxEquipment:       Unlimited,
		MaxStorageBytes:    100 * gib,
		MaxReportsPerMonth: Unlimited,
		APIRequestsPerHour: 100000,
		Collaboration:      true,
		PDFReports:         true,
		Webhooks:           true,
	},
}

// QuotasForTier returns the quotas of tier. Unknown tiers get the free quotas.
func QuotasForTier(tier PlanTier) OrgQuotas {
	if q, ok := tierQuotas[tier]; ok {
		return q
	}
	return tierQuotas[PlanFree]
}

// OrgUsage tracks counted resources. Designs, equipment and storage are
// running totals; reports reset with the billing period.
type OrgUsage struct {
	OrgID        string    `json:"org_id"`
	Designs      int64     `json:"designs"`
	Equipment    int64     `json:"equipment"`
	StorageBytes int64     `json:"storage_bytes"`
	Reports      int64     `json:"reports"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UsageSummary pairs usage with the quotas it is measured against
type UsageSummary struct {
	Tier   PlanTier  `json:"tier"`
	Usage  *OrgUsage `json:"usage"`
	Quotas OrgQuotas `json:"quotas"`
}

// OrgMember is a user's membership in an organization
type OrgMember struct {
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	Role      auth.Role `json:"role"`
	InvitedBy string    `json:"invited_by,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
}

// InvitationTTL is how long an invitation stays acceptable
const InvitationTTL = 7 * 24 * time.Hour

// OrgInvitation is a pending invitation to join an organization
type OrgInvitation struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id"`
	Email      string     `json:"email"`
	Role       auth.Role  `json:"role"`
	Token      string     `json:"token,omitempty"`
	InvitedBy  string     `json:"invited_by"`
	ExpiresAt  time.Time  `json:"expires_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Pending reports whether the invitation can still be accepted at now
func (i *OrgInvitation) Pending(now time.Time) bool {
	return i.AcceptedAt == nil && i.RevokedAt == nil && now.Before(i.ExpiresAt)
}

// CreateOrgRequest is the request to create an organization
type CreateOrgRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	Description string `json:"description,omitempty"`
}

// UpdateOrgRequest is a partial update; nil fields are left untouched
type UpdateOrgRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// AddMemberRequest is the request to add a member
type AddMemberRequest struct {
	UserID string    `json:"user_id"`
	Role   auth.Role `json:"role"`
}

// UpdateMemberRequest is the request to change a member's role
type UpdateMemberRequest struct {
	Role auth.Role `json:"role"`
}

// InviteMemberRequest is the request to invite someone by email
type InviteMemberRequest struct {
	Email string    `json:"email"`
	Role  auth.Role `json:"role"`
}

// Resource names a quota-counted resource
type Resource string

const (
	ResourceDesigns   Resource = "designs"
	ResourceEquipment Resource = "equipment"
	ResourceStorage   Resource = "storage_bytes"
	ResourceReports   Resource = "reports"
)

// QuotaExceededError is returned when an operation would exceed a quota
type QuotaExceededError struct {
	Resource Resource
	Current  int64
	Limit    int64
	Tier     PlanTier
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d/%d on the %s plan", e.Resource, e.Current, e.Limit, e.Tier)
}

// HTTPStatus maps quota errors to 429
func (e *QuotaExceededError) HTTPStatus() int {
	return http.StatusTooManyRequests
}

// IsQuotaExceeded checks if an error is a quota exceeded error
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// QuotaChecker checks if operations would exceed quotas
type QuotaChecker interface {
	CheckDesignQuota(ctx context.Context, orgID string) error
	CheckEquipmentQuota(ctx context.Context, orgID string, n int64) error
	CheckStorageQuota(ctx context.Context, orgID string, additionalBytes int64) error
	CheckReportQuota(ctx context.Context, orgID string) error
}

// UsageTracker records resource consumption
type UsageTracker interface {
	IncrementDesigns(ctx context.Context, orgID string, delta int64) error
	IncrementEquipment(ctx context.Context, orgID string, delta int64) error
	IncrementStorage(ctx context.Context, orgID string, bytes int64) error
	IncrementReports(ctx context.Context, orgID string) error
	DecrementDesigns(ctx context.Context, orgID string, delta int64) error
	DecrementEquipment(ctx context.Context, orgID string, delta int64) error
	DecrementStorage(ctx context.Context, orgID string, bytes int64) error
}

// Service defines the organization service interface
type Service interface {
	QuotaChecker
	UsageTracker

	CreateOrganization(ctx context.Context, req CreateOrgRequest, ownerID string) (*Organization, error)
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error)
	ListOrganizations(ctx context.Context, userID string) ([]*Organization, error)
	UpdateOrganization(ctx context.Context, id string, req UpdateOrgRequest) (*Organization, error)
	DeleteOrganization(ctx context.Context, id string) error

	GetQuotas(ctx context.Context, orgID string) (OrgQuotas, error)
	UpdatePlan(ctx context.Context, orgID string, tier PlanTier) error
	SetStatus(ctx context.Context, orgID string, status OrgStatus) error
	GetUsage(ctx context.Context, orgID string) (*OrgUsage, error)
	ResetMonthlyUsage(ctx context.Context, now time.Time) (int64, error)

	AddMember(ctx context.Context, orgID string, req AddMemberRequest, invitedBy string) (*OrgMember, error)
	GetMember(ctx context.Context, orgID, userID string) (*OrgMember, error)
	ListMembers(ctx context.Context, orgID string) ([]*OrgMember, error)
	UpdateMemberRole(ctx context.Context, orgID, userID string, role auth.Role) error
	RemoveMember(ctx context.Context, orgID, userID string) error

	CreateInvitation(ctx context.Context, orgID string, req InviteMemberRequest, invitedBy string) (*OrgInvitation, error)
	AcceptInvitation(ctx context.Context, token string, user *auth.User) (*OrgMember, error)
	ListInvitations(ctx context.Context, orgID string) ([]*OrgInvitation, error)
	RevokeInvitation(ctx context.Context, orgID, invitationID string) error
}

// FromContext returns the organization resolved by the org middleware
func FromContext(ctx context.Context) (*Organization, bool) {
	org, ok := ctx.Value(contextkeys.OrgKey).(*Organization)
	return org, ok && org != nil
}

// MemberFromContext returns the caller's membership in the resolved organization
func MemberFromContext(ctx context.Context) (*OrgMember, bool) {
	m, ok := ctx.Value(contextkeys.MemberKey).(*OrgMember)
	return m, ok && m != nil
}

// TierFromContext returns the effective plan tier, falling back to the org's
// stored tier and then to free.
func TierFromContext(ctx context.Context) PlanTier {
	if t, ok := ctx.Value(contextkeys.SubscriptionTierKey).(PlanTier); ok && t.Valid() {
		return t
	}
	if org, ok := FromContext(ctx); ok && org.PlanTier.Valid() {
		return org.PlanTier
	}
	return PlanFree
}

// WithOrganization stores org and the caller's membership in ctx
func WithOrganization(ctx context.Context, org *Organization, member *OrgMember) context.Context {
	ctx = contextkeys.WithOrg(ctx, org)
	if member != nil {
		ctx = contextkeys.WithMember(ctx, member)
	}
	return context.WithValue(ctx, contextkeys.SubscriptionTierKey, org.PlanTier)
}
