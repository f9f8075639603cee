package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/notifications"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// signedHeader signs payload the way Stripe does at ts
func signedHeader(payload []byte, secret string, ts time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	}).Header
}

type memStore struct {
	mu       sync.Mutex
	subs     map[string]*Subscription
	invoices map[string]*Invoice
	methods  map[string]*PaymentMethod
	plans    map[orgs.PlanTier]*Plan
	seq      int
}

func newMemStore() *memStore {
	return &memStore{
		subs:     map[string]*Subscription{},
		invoices: map[string]*Invoice{},
		methods:  map[string]*PaymentMethod{},
		plans:    map[orgs.PlanTier]*Plan{},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) GetSubscription(_ context.Context, orgID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *memStore) SaveSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.subs[sub.OrgID]; ok {
		sub.ID, sub.CreatedAt = old.ID, old.CreatedAt
	} else if sub.ID == "" {
		sub.ID = m.nextID("sub")
	}
	cp := *sub
	m.subs[sub.OrgID] = &cp
	return nil
}

func (m *memStore) OrgForCustomer(_ context.Context, customerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.StripeCustomerID == customerID {
			return sub.OrgID, nil
		}
	}
	return "", ErrUnknownCustomer
}

func (m *memStore) SaveInvoice(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.invoices[inv.StripeInvoiceID]; ok {
		inv.ID = old.ID
	} else {
		inv.ID = m.nextID("inv")
	}
	cp := *inv
	m.invoices[inv.StripeInvoiceID] = &cp
	return nil
}

func (m *memStore) ListInvoices(_ context.Context, orgID string, limit int) ([]*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Invoice{}
	for _, inv := range m.invoices {
		if inv.OrgID == orgID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StripeInvoiceID < out[j].StripeInvoiceID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) SavePaymentMethod(_ context.Context, pm *PaymentMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pm.IsDefault {
		for _, other := range m.methods {
			if other.OrgID == pm.OrgID {
				other.IsDefault = false
			}
		}
	}
	if pm.ID == "" {
		pm.ID = m.nextID("pm")
	}
	cp := *pm
	m.methods[pm.StripePaymentMethodID] = &cp
	return nil
}

func (m *memStore) DeletePaymentMethod(_ context.Context, stripeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.methods[stripeID]; !ok {
		return ErrPaymentMethodGone
	}
	delete(m.methods, stripeID)
	return nil
}

func (m *memStore) ListPaymentMethods(_ context.Context, orgID string) ([]*PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*PaymentMethod{}
	for _, pm := range m.methods {
		if pm.OrgID == orgID {
			cp := *pm
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IsDefault && !out[j].IsDefault })
	return out, nil
}

func (m *memStore) ListPlans(_ context.Context, activeOnly bool) ([]*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Plan{}
	for _, p := range m.plans {
		if activeOnly && !p.Active {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out, nil
}

func (m *memStore) GetPlan(_ context.Context, tier orgs.PlanTier) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[tier]
	if !ok {
		return nil, ErrPlanUnavailable
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) TierForPrice(_ context.Context, priceID string) (orgs.PlanTier, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		if p.StripePriceID == priceID {
			return p.Tier, true, nil
		}
	}
	return "", false, nil
}

func (m *memStore) ReplacePlans(_ context.Context, plans []*Plan, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := map[orgs.PlanTier]bool{}
	for _, p := range plans {
		cp := *p
		cp.Active, cp.UpdatedAt = true, now
		m.plans[p.Tier] = &cp
		keep[p.Tier] = true
	}
	n := 0
	for tier, p := range m.plans {
		if !keep[tier] && p.Active {
			p.Active = false
			n++
		}
	}
	return n, nil
}

func (m *memStore) seedPlans() {
	m.plans[orgs.PlanPro] = &Plan{Tier: orgs.PlanPro, Name: "Pro", PriceCents: 4900, Currency: "usd",
		Interval: "month", StripePriceID: "price_pro", Active: true}
	m.plans[orgs.PlanEnterprise] = &Plan{Tier: orgs.PlanEnterprise, Name: "Enterprise", PriceCents: 49900,
		Currency: "usd", Interval: "month", StripePriceID: "price_ent", Active: true}
}

// fakeProvider records calls and answers with canned subscriptions
type fakeProvider struct {
	mu        sync.Mutex
	calls     []string
	customers int
	prices    []ProviderPrice
	err       error
	status    string
}

func (f *fakeProvider) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeProvider) sub(id, priceID string) *ProviderSubscription {
	status := f.status
	if status == "" {
		status = "active"
	}
	var ps ProviderSubscription
	raw := fmt.Sprintf(`{"id":%q,"status":%q,"current_period_start":%d,"current_period_end":%d,
		"items":{"data":[{"id":"si_1","price":{"id":%q}}]}}`,
		id, status, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC).Unix(),
		time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC).Unix(), priceID)
	if err := json.Unmarshal([]byte(raw), &ps); err != nil {
		panic(err)
	}
	return &ps
}

func (f *fakeProvider) CreateCustomer(_ context.Context, orgID, name string) (string, error) {
	if err := f.record("customer:" + orgID + ":" + name); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers++
	return fmt.Sprintf("cus_%d", f.customers), nil
}

func (f *fakeProvider) CreateSubscription(_ context.Context, customerID, priceID, pm, orgID string) (*ProviderSubscription, error) {
	if err := f.record("subscribe:" + customerID + ":" + priceID + ":" + pm); err != nil {
		return nil, err
	}
	ps := f.sub("sub_1", priceID)
	ps.Customer = customerID
	return ps, nil
}

func (f *fakeProvider) ChangePrice(_ context.Context, subscriptionID, priceID string) (*ProviderSubscription, error) {
	if err := f.record("change:" + subscriptionID + ":" + priceID); err != nil {
		return nil, err
	}
	return f.sub(subscriptionID, priceID), nil
}

func (f *fakeProvider) CancelSubscription(_ context.Context, subscriptionID string, atPeriodEnd bool) (*ProviderSubscription, error) {
	if err := f.record(fmt.Sprintf("cancel:%s:%t", subscriptionID, atPeriodEnd)); err != nil {
		return nil, err
	}
	ps := f.sub(subscriptionID, "price_pro")
	if atPeriodEnd {
		ps.CancelAtPeriodEnd = true
	} else {
		ps.Status = "canceled"
	}
	return ps, nil
}

func (f *fakeProvider) ResumeSubscription(_ context.Context, subscriptionID string) (*ProviderSubscription, error) {
	if err := f.record("resume:" + subscriptionID); err != nil {
		return nil, err
	}
	return f.sub(subscriptionID, "price_pro"), nil
}

func (f *fakeProvider) ListPrices(context.Context) ([]ProviderPrice, error) {
	if err := f.record("prices"); err != nil {
		return nil, err
	}
	return f.prices, nil
}

type directoryStub struct {
	mu      sync.Mutex
	tiers   map[string]orgs.PlanTier
	members []*orgs.OrgMember
	err     error
}

func newDirectory() *directoryStub {
	return &directoryStub{
		tiers: map[string]orgs.PlanTier{},
		members: []*orgs.OrgMember{
			{OrgID: "org1", UserID: "olive", Role: auth.RoleOwner},
			{OrgID: "org1", UserID: "adam", Role: auth.RoleAdmin},
			{OrgID: "org1", UserID: "dora", Role: auth.RoleDesigner},
		},
	}
}

func (d *directoryStub) GetOrganization(_ context.Context, id string) (*orgs.Organization, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &orgs.Organization{ID: id, Name: "Acme Networks"}, nil
}

func (d *directoryStub) UpdatePlan(_ context.Context, orgID string, tier orgs.PlanTier) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tiers[orgID] = tier
	return nil
}

func (d *directoryStub) tier(orgID string) orgs.PlanTier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tiers[orgID]
}

func (d *directoryStub) ListMembers(context.Context, string) ([]*orgs.OrgMember, error) {
	return d.members, nil
}

type notifySpy struct {
	mu    sync.Mutex
	sent  []notifications.Notification
	users [][]string
}

func (n *notifySpy) NotifyMany(_ context.Context, userIDs []string, tmpl notifications.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, tmpl)
	n.users = append(n.users, userIDs)
	return nil
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
