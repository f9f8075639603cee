package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/middleware"
	"github.com/platinummonkey/netforge/pkg/notifications"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

type memStore struct {
	mu         sync.Mutex
	endpoints  map[string]*Endpoint
	deliveries map[string]*Delivery
}

func newMemStore() *memStore {
	return &memStore{endpoints: map[string]*Endpoint{}, deliveries: map[string]*Delivery{}}
}

func copyEndpoint(e *Endpoint) *Endpoint {
	c := *e
	c.Events = append([]EventType(nil), e.Events...)
	return &c
}

func (m *memStore) CreateEndpoint(_ context.Context, e *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[e.ID] = copyEndpoint(e)
	return nil
}

func (m *memStore) GetEndpoint(_ context.Context, orgID, id string) (*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok || e.OrgID != orgID {
		return nil, ErrNotFound
	}
	return copyEndpoint(e), nil
}

func (m *memStore) GetEndpointByID(_ context.Context, id string) (*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEndpoint(e), nil
}

func (m *memStore) ListEndpoints(_ context.Context, orgID string) ([]*Endpoint, error) {
	return m.list(func(e *Endpoint) bool { return e.OrgID == orgID }), nil
}

func (m *memStore) ListSubscribed(_ context.Context, orgID string, t EventType) ([]*Endpoint, error) {
	return m.list(func(e *Endpoint) bool { return e.OrgID == orgID && e.Active && e.Subscribed(t) }), nil
}

func (m *memStore) list(keep func(*Endpoint) bool) []*Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Endpoint{}
	for _, e := range m.endpoints {
		if keep(e) {
			out = append(out, copyEndpoint(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (m *memStore) UpdateEndpoint(_ context.Context, e *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.endpoints[e.ID]
	if !ok || cur.OrgID != e.OrgID {
		return ErrNotFound
	}
	m.endpoints[e.ID] = copyEndpoint(e)
	return nil
}

func (m *memStore) DeleteEndpoint(_ context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok || e.OrgID != orgID {
		return ErrNotFound
	}
	delete(m.endpoints, id)
	for did, d := range m.deliveries {
		if d.EndpointID == id {
			delete(m.deliveries, did)
		}
	}
	return nil
}

func (m *memStore) RecordOutcome(_ context.Context, endpointID string, success bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[endpointID]
	if !ok {
		return 0, ErrNotFound
	}
	if success {
		e.FailureStreak = 0
	} else {
		e.FailureStreak++
	}
	return e.FailureStreak, nil
}

func copyDelivery(d *Delivery) *Delivery {
	c := *d
	return &c
}

func (m *memStore) CreateDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (m *memStore) UpdateDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	m.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (m *memStore) ListDeliveries(_ context.Context, orgID, endpointID string, limit int) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Delivery{}
	for _, d := range m.deliveries {
		if d.OrgID == orgID && d.EndpointID == endpointID {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Delivery{}
	for _, d := range m.deliveries {
		if len(out) == limit {
			break
		}
		if d.Status == DeliveryStatusRetrying && d.NextAttemptAt != nil && !d.NextAttemptAt.After(now) {
			next := now.Add(lease)
			d.NextAttemptAt = &next
			out = append(out, copyDelivery(d))
		}
	}
	return out, nil
}

func (m *memStore) delivery(id string) *Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[id]; ok {
		return copyDelivery(d)
	}
	return nil
}

func (m *memStore) allDeliveries() []*Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Delivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		out = append(out, copyDelivery(d))
	}
	return out
}

func (m *memStore) endpoint(id string) *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.endpoints[id]; ok {
		return copyEndpoint(e)
	}
	return nil
}

type directory struct {
	tier    orgs.PlanTier
	members []*orgs.OrgMember
}

func (d *directory) GetOrganization(_ context.Context, id string) (*orgs.Organization, error) {
	return &orgs.Organization{ID: id, Name: "Acme Networks", PlanTier: d.tier}, nil
}

func (d *directory) ListMembers(context.Context, string) ([]*orgs.OrgMember, error) {
	return d.members, nil
}

func acmeMembers() []*orgs.OrgMember {
	return []*orgs.OrgMember{
		{UserID: "olive", Role: auth.RoleOwner},
		{UserID: "adam", Role: auth.RoleAdmin},
		{UserID: "dora", Role: auth.RoleDesigner},
	}
}

type sentNotice struct {
	userIDs []string
	n       notifications.Notification
}

type notifier struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (n *notifier) NotifyMany(_ context.Context, userIDs []string, tmpl notifications.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{userIDs: userIDs, n: tmpl})
	return nil
}

func (n *notifier) snapshot() []sentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotice(nil), n.sent...)
}

type denyLimiter struct{ resetAt time.Time }

func (l denyLimiter) Allow(_ context.Context, _ string, limit int, _ time.Duration) (middleware.RateDecision, error) {
	return middleware.RateDecision{Allowed: false, Limit: limit, ResetAt: l.resetAt}, nil
}

type auditLog struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (a *auditLog) Log(_ context.Context, e *audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *auditLog) Close() error { return nil }

func (a *auditLog) types() []audit.EventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.EventType, len(a.events))
	for i, e := range a.events {
		out[i] = e.EventType
	}
	return out
}
