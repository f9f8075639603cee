package designs

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/notifications"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// memRepo is an in-memory Repository with the same version rules as Mongo
type memRepo struct {
	mu      sync.Mutex
	designs map[string]*Design
	gets    int
}

func newMemRepo() *memRepo {
	return &memRepo{designs: map[string]*Design{}}
}

func (m *memRepo) Create(_ context.Context, d *Design) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = primitive.NewObjectID()
	d.Version = 1
	m.designs[d.HexID()] = d.Clone()
	return nil
}

func (m *memRepo) find(orgID, id string) (*Design, bool) {
	d, ok := m.designs[id]
	if !ok || d.OrgID != orgID {
		return nil, false
	}
	return d, true
}

func (m *memRepo) Get(_ context.Context, orgID, id string) (*Design, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	d, ok := m.find(orgID, id)
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *memRepo) List(_ context.Context, orgID string, filter ListFilter, page Page) (*ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Design{}
	for _, d := range m.designs {
		if d.OrgID == orgID && (filter.Status == "" || d.Status == filter.Status) {
			out = append(out, d.Clone())
		}
	}
	page = ClampPage(page)
	return &ListResult{Designs: out, Total: int64(len(out)), Limit: page.Limit, Offset: page.Offset}, nil
}

func (m *memRepo) Update(_ context.Context, orgID string, d *Design, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.find(orgID, d.HexID())
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	next := d.Clone()
	next.Attachments = cur.Attachments
	next.Watchers = cur.Watchers
	next.Version = expectedVersion + 1
	m.designs[d.HexID()] = next
	d.Version = next.Version
	return nil
}

func (m *memRepo) Delete(_ context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.find(orgID, id); !ok {
		return ErrNotFound
	}
	delete(m.designs, id)
	return nil
}

func (m *memRepo) Count(_ context.Context, orgID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.designs {
		if d.OrgID == orgID {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) AddAttachment(_ context.Context, orgID, id string, a Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.find(orgID, id)
	if !ok {
		return ErrNotFound
	}
	d.Attachments = append(d.Attachments, a)
	return nil
}

func (m *memRepo) RemoveAttachment(_ context.Context, orgID, id, attachmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.find(orgID, id)
	if !ok {
		return ErrAttachmentNotFound
	}
	for i, a := range d.Attachments {
		if a.ID == attachmentID {
			d.Attachments = append(d.Attachments[:i:i], d.Attachments[i+1:]...)
			return nil
		}
	}
	return ErrAttachmentNotFound
}

func (m *memRepo) SetWatcher(_ context.Context, orgID, id, userID string, watch bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.find(orgID, id)
	if !ok {
		return ErrNotFound
	}
	kept := []string{}
	for _, w := range d.Watchers {
		if w != userID {
			kept = append(kept, w)
		}
	}
	if watch {
		kept = append(kept, userID)
	}
	d.Watchers = kept
	return nil
}

func (m *memRepo) CountByEquipment(_ context.Context, orgID, equipmentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.designs {
		if d.OrgID != orgID {
			continue
		}
		for _, dev := range d.Devices {
			if dev.EquipmentID == equipmentID {
				n++
				break
			}
		}
	}
	return n, nil
}

type recordedNotification struct {
	users []string
	tmpl  notifications.Notification
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []recordedNotification
}

func (f *fakeNotifier) NotifyMany(_ context.Context, userIDs []string, tmpl notifications.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedNotification{users: userIDs, tmpl: tmpl})
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) PublishDesignEvent(_ context.Context, e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type usageLog struct {
	mu     sync.Mutex
	totals map[orgs.Resource]int64
}

func newUsageLog() *usageLog { return &usageLog{totals: map[orgs.Resource]int64{}} }

func (u *usageLog) add(r orgs.Resource, delta int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.totals[r] += delta
	return nil
}

func (u *usageLog) get(r orgs.Resource) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.totals[r]
}

func (u *usageLog) IncrementDesigns(_ context.Context, _ string, d int64) error {
	return u.add(orgs.ResourceDesigns, d)
}
func (u *usageLog) IncrementEquipment(_ context.Context, _ string, d int64) error {
	return u.add(orgs.ResourceEquipment, d)
}
func (u *usageLog) IncrementStorage(_ context.Context, _ string, b int64) error {
	return u.add(orgs.ResourceStorage, b)
}
func (u *usageLog) IncrementReports(context.Context, string) error {
	return u.add(orgs.ResourceReports, 1)
}
func (u *usageLog) DecrementDesigns(_ context.Context, _ string, d int64) error {
	return u.add(orgs.ResourceDesigns, -d)
}
func (u *usageLog) DecrementEquipment(_ context.Context, _ string, d int64) error {
	return u.add(orgs.ResourceEquipment, -d)
}
func (u *usageLog) DecrementStorage(_ context.Context, _ string, b int64) error {
	return u.add(orgs.ResourceStorage, -b)
}

type quotaStub struct {
	storageErr error
}

func (q quotaStub) CheckDesignQuota(context.Context, string) error           { return nil }
func (q quotaStub) CheckEquipmentQuota(context.Context, string, int64) error { return nil }
func (q quotaStub) CheckStorageQuota(context.Context, string, int64) error   { return q.storageErr }
func (q quotaStub) CheckReportQuota(context.Context, string) error           { return nil }

type grantLog struct {
	mu      sync.Mutex
	removed []string
}

func (g *grantLog) DeleteDesignGrants(_ context.Context, _, designID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, designID)
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
