package reports

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/designs"
	"github.com/platinummonkey/netforge/pkg/notifications"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

type memStore struct {
	mu      sync.Mutex
	reports map[string]*Report
}

func newMemStore() *memStore { return &memStore{reports: map[string]*Report{}} }

func (m *memStore) Create(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.reports[r.ID] = &c
	return nil
}

func (m *memStore) Get(_ context.Context, orgID, id string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok || r.OrgID != orgID {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *memStore) status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reports[id]; ok {
		return r.Status
	}
	return ""
}

func (m *memStore) ListForDesign(_ context.Context, orgID, designID string, limit int) ([]*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Report{}
	for _, r := range m.reports {
		if r.OrgID == orgID && r.DesignID == designID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) update(id string, fn func(*Report)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return ErrNotFound
	}
	fn(r)
	return nil
}

func (m *memStore) MarkRunning(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(r *Report) { r.Status = StatusRunning; r.StartedAt = &at })
}

func (m *memStore) MarkDone(_ context.Context, id, key string, size int64, at time.Time) error {
	return m.update(id, func(r *Report) {
		r.Status = StatusDone
		r.ObjectKey = key
		r.SizeBytes = size
		r.CompletedAt = &at
	})
}

func (m *memStore) MarkFailed(_ context.Context, id, reason string, at time.Time) error {
	return m.update(id, func(r *Report) { r.Status = StatusFailed; r.Error = reason; r.CompletedAt = &at })
}

type designStub map[string]*designs.Design

func (d designStub) Get(_ context.Context, orgID, id string) (*designs.Design, error) {
	if des, ok := d[id]; ok && des.OrgID == orgID {
		return des, nil
	}
	return nil, designs.ErrNotFound
}

type fakePDF struct {
	err    error
	mu     sync.Mutex
	inputs int
}

func (f *fakePDF) RenderPDF(_ context.Context, html []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs++
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("%PDF-1.7\n"), html[:16]...), nil
}

func (f *fakePDF) Close() error { return nil }

type notifySpy struct {
	mu   sync.Mutex
	sent []*notifications.Notification
}

func (n *notifySpy) Notify(_ context.Context, msg *notifications.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *notifySpy) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, m := range n.sent {
		out[i] = m.Kind
	}
	return out
}

type eventSpy struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventSpy) PublishReportEvent(_ context.Context, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventSpy) types() []EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventType, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

type reportUsage struct {
	mu      sync.Mutex
	reports int64
}

func (u *reportUsage) count() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.reports
}

func (u *reportUsage) IncrementReports(context.Context, string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reports++
	return nil
}
func (u *reportUsage) IncrementDesigns(context.Context, string, int64) error   { return nil }
func (u *reportUsage) IncrementEquipment(context.Context, string, int64) error { return nil }
func (u *reportUsage) IncrementStorage(context.Context, string, int64) error   { return nil }
func (u *reportUsage) DecrementDesigns(context.Context, string, int64) error   { return nil }
func (u *reportUsage) DecrementEquipment(context.Context, string, int64) error { return nil }
func (u *reportUsage) DecrementStorage(context.Context, string, int64) error   { return nil }

type reportQuota struct{ err error }

func (q reportQuota) CheckDesignQuota(context.Context, string) error           { return nil }
func (q reportQuota) CheckEquipmentQuota(context.Context, string, int64) error { return nil }
func (q reportQuota) CheckStorageQuota(context.Context, string, int64) error   { return nil }
func (q reportQuota) CheckReportQuota(context.Context, string) error           { return q.err }

var errQuota = &orgs.QuotaExceededError{Resource: orgs.ResourceReports, Current: 10, Limit: 10, Tier: orgs.PlanFree}

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

func (a *auditLog) snapshot() []*audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*audit.Event(nil), a.events...)
}

var errRender = errors.New("chromium crashed")
