package api

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// mockOrgService is a function-field implementation of orgs.Service. Unset
// fields fall back to an in-memory org "acme" whose members are listed in
// roles.
type mockOrgService struct {
	roles map[string]auth.Role
	org   *orgs.Organization

	createOrganizationFunc func(req orgs.CreateOrgRequest, ownerID string) (*orgs.Organization, error)
	listOrganizationsFunc  func(userID string) ([]*orgs.Organization, error)
	updateOrganizationFunc func(id string, req orgs.UpdateOrgRequest) (*orgs.Organization, error)
	deleteOrganizationFunc func(id string) error
	getUsageFunc           func(orgID string) (*orgs.OrgUsage, error)
	addMemberFunc          func(orgID string, req orgs.AddMemberRequest, invitedBy string) (*orgs.OrgMember, error)
	updateMemberRoleFunc   func(orgID, userID string, role auth.Role) error
	removeMemberFunc       func(orgID, userID string) error
	createInvitationFunc   func(orgID string, req orgs.InviteMemberRequest, invitedBy string) (*orgs.OrgInvitation, error)
	acceptInvitationFunc   func(token string, user *auth.User) (*orgs.OrgMember, error)
	revokeInvitationFunc   func(orgID, invitationID string) error
}

const testOrgID = "5b0a4c1e-3f7d-4c8a-9e2b-1d6f0a7c9b31"

func newMockOrgService() *mockOrgService {
	return &mockOrgService{
		roles: map[string]auth.Role{
			"olive": auth.RoleOwner,
			"adam":  auth.RoleAdmin,
			"dora":  auth.RoleDesigner,
			"vic":   auth.RoleViewer,
		},
		org: &orgs.Organization{
			ID:       testOrgID,
			Name:     "Acme Networks",
			Slug:     "acme",
			OwnerID:  "olive",
			PlanTier: orgs.PlanPro,
			Status:   orgs.OrgStatusActive,
		},
	}
}

func (m *mockOrgService) CheckDesignQuota(context.Context, string) error              { return nil }
func (m *mockOrgService) CheckEquipmentQuota(context.Context, string, int64) error    { return nil }
func (m *mockOrgService) CheckStorageQuota(context.Context, string, int64) error      { return nil }
func (m *mockOrgService) CheckReportQuota(context.Context, string) error              { return nil }
func (m *mockOrgService) IncrementDesigns(context.Context, string, int64) error       { return nil }
func (m *mockOrgService) IncrementEquipment(context.Context, string, int64) error     { return nil }
func (m *mockOrgService) IncrementStorage(context.Context, string, int64) error       { return nil }
func (m *mockOrgService) IncrementReports(context.Context, string) error              { return nil }
func (m *mockOrgService) DecrementDesigns(context.Context, string, int64) error       { return nil }
func (m *mockOrgService) DecrementEquipment(context.Context, string, int64) error     { return nil }
func (m *mockOrgService) DecrementStorage(context.Context, string, int64) error       { return nil }
func (m *mockOrgService) UpdatePlan(context.Context, string, orgs.PlanTier) error     { return nil }
func (m *mockOrgService) SetStatus(context.Context, string, orgs.OrgStatus) error     { return nil }
func (m *mockOrgService) ResetMonthlyUsage(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *mockOrgService) CreateOrganization(_ context.Context, req orgs.CreateOrgRequest, ownerID string) (*orgs.Organization, error) {
	if m.createOrganizationFunc != nil {
		return m.createOrganizationFunc(req, ownerID)
	}
	return &orgs.Organization{ID: "org-new", Name: req.Name, Slug: req.Slug, OwnerID: ownerID, PlanTier: orgs.PlanFree}, nil
}

func (m *mockOrgService) GetOrganization(_ context.Context, id string) (*orgs.Organization, error) {
	if m.org != nil && m.org.ID == id {
		return m.org, nil
	}
	return nil, orgs.ErrNotFound
}

func (m *mockOrgService) GetOrganizationBySlug(_ context.Context, slug string) (*orgs.Organization, error) {
	if m.org != nil && m.org.Slug == slug {
		return m.org, nil
	}
	return nil, orgs.ErrNotFound
}

func (m *mockOrgService) ListOrganizations(_ context.Context, userID string) ([]*orgs.Organization, error) {
	if m.listOrganizationsFunc != nil {
		return m.listOrganizationsFunc(userID)
	}
	if _, ok := m.roles[userID]; ok {
		return []*orgs.Organization{m.org}, nil
	}
	return []*orgs.Organization{}, nil
}

func (m *mockOrgService) UpdateOrganization(_ context.Context, id string, req orgs.UpdateOrgRequest) (*orgs.Organization, error) {
	if m.updateOrganizationFunc != nil {
		return m.updateOrganizationFunc(id, req)
	}
	updated := *m.org
	if req.Name != nil {
		updated.Name = *req.Name
	}
	if req.Description != nil {
		updated.Description = *req.Description
	}
	return &updated, nil
}

func (m *mockOrgService) DeleteOrganization(_ context.Context, id string) error {
	if m.deleteOrganizationFunc != nil {
		return m.deleteOrganizationFunc(id)
	}
	return nil
}

func (m *mockOrgService) GetQuotas(_ context.Context, orgID string) (orgs.OrgQuotas, error) {
	return orgs.QuotasForTier(m.org.PlanTier), nil
}

func (m *mockOrgService) GetUsage(_ context.Context, orgID string) (*orgs.OrgUsage, error) {
	if m.getUsageFunc != nil {
		return m.getUsageFunc(orgID)
	}
	return &orgs.OrgUsage{OrgID: orgID, Designs: 3, Equipment: 12}, nil
}

func (m *mockOrgService) AddMember(_ context.Context, orgID string, req orgs.AddMemberRequest, invitedBy string) (*orgs.OrgMember, error) {
	if m.addMemberFunc != nil {
		return m.addMemberFunc(orgID, req, invitedBy)
	}
	return &orgs.OrgMember{OrgID: orgID, UserID: req.UserID, Role: req.Role, InvitedBy: invitedBy}, nil
}

func (m *mockOrgService) GetMember(_ context.Context, orgID, userID string) (*orgs.OrgMember, error) {
	role, ok := m.roles[userID]
	if !ok || m.org == nil || orgID != m.org.ID {
		return nil, orgs.ErrMemberNotFound
	}
	return &orgs.OrgMember{OrgID: orgID, UserID: userID, Role: role}, nil
}

func (m *mockOrgService) ListMembers(_ context.Context, orgID string) ([]*orgs.OrgMember, error) {
	out := []*orgs.OrgMember{}
	for id, role := range m.roles {
		out = append(out, &orgs.OrgMember{OrgID: orgID, UserID: id, Role: role})
	}
	return out, nil
}

func (m *mockOrgService) UpdateMemberRole(_ context.Context, orgID, userID string, role auth.Role) error {
	if m.updateMemberRoleFunc != nil {
		return m.updateMemberRoleFunc(orgID, userID, role)
	}
	if _, ok := m.roles[userID]; !ok {
		return orgs.ErrMemberNotFound
	}
	m.roles[userID] = role
	return nil
}

func (m *mockOrgService) RemoveMember(_ context.Context, orgID, userID string) error {
	if m.removeMemberFunc != nil {
		return m.removeMemberFunc(orgID, userID)
	}
	delete(m.roles, userID)
	return nil
}

func (m *mockOrgService) CreateInvitation(_ context.Context, orgID string, req orgs.InviteMemberRequest, invitedBy string) (*orgs.OrgInvitation, error) {
	if m.createInvitationFunc != nil {
		return m.createInvitationFunc(orgID, req, invitedBy)
	}
	return &orgs.OrgInvitation{ID: "inv-1", OrgID: orgID, Email: req.Email, Role: req.Role, InvitedBy: invitedBy}, nil
}

func (m *mockOrgService) AcceptInvitation(_ context.Context, token string, user *auth.User) (*orgs.OrgMember, error) {
	if m.acceptInvitationFunc != nil {
		return m.acceptInvitationFunc(token, user)
	}
	return &orgs.OrgMember{OrgID: testOrgID, UserID: user.ID, Role: auth.RoleViewer}, nil
}

func (m *mockOrgService) ListInvitations(_ context.Context, orgID string) ([]*orgs.OrgInvitation, error) {
	return []*orgs.OrgInvitation{}, nil
}

func (m *mockOrgService) RevokeInvitation(_ context.Context, orgID, invitationID string) error {
	if m.revokeInvitationFunc != nil {
		return m.revokeInvitationFunc(orgID, invitationID)
	}
	return nil
}

// recordingAudit collects audit events
type recordingAudit struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (a *recordingAudit) Log(_ context.Context, e *audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAudit) Close() error { return nil }

func (a *recordingAudit) find(t audit.EventType) *audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e.EventType == t {
			return e
		}
	}
	return nil
}
