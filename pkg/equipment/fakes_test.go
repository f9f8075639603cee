package equipment

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// memRepo is an in-memory Repository keyed by hex id
type memRepo struct {
	mu    sync.Mutex
	items map[string]*Equipment
}

func newMemRepo() *memRepo { return &memRepo{items: map[string]*Equipment{}} }

func (m *memRepo) clone(e *Equipment) *Equipment {
	c := *e
	c.HasDatasheet = c.DatasheetKey != ""
	return &c
}

func (m *memRepo) findByName(orgID, vendor, model string) *Equipment {
	for _, e := range m.items {
		if e.OrgID == orgID && strings.EqualFold(e.Vendor, vendor) && strings.EqualFold(e.Model, model) {
			return e
		}
	}
	return nil
}

func (m *memRepo) Create(_ context.Context, e *Equipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findByName(e.OrgID, e.Vendor, e.Model) != nil {
		return ErrDuplicate
	}
	e.ID = primitive.NewObjectID()
	m.items[e.HexID()] = m.clone(e)
	return nil
}

func (m *memRepo) Get(_ context.Context, orgID, id string) (*Equipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok || e.OrgID != orgID {
		return nil, ErrNotFound
	}
	return m.clone(e), nil
}

func (m *memRepo) GetMany(_ context.Context, orgID string, ids []string) (map[string]*Equipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]*Equipment{}
	for _, id := range ids {
		if e, ok := m.items[id]; ok && e.OrgID == orgID {
			out[id] = m.clone(e)
		}
	}
	return out, nil
}

func (m *memRepo) List(_ context.Context, orgID string, f Filter, page Page) (*ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page = ClampPage(page)
	all := []*Equipment{}
	for _, e := range m.items {
		if e.OrgID != orgID || (f.Category != "" && e.Category != f.Category) {
			continue
		}
		if f.Vendor != "" && !strings.EqualFold(e.Vendor, f.Vendor) {
			continue
		}
		all = append(all, m.clone(e))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DisplayName() < all[j].DisplayName() })
	res := &ListResult{Total: int64(len(all)), Limit: page.Limit, Offset: page.Offset, Items: []*Equipment{}}
	for i := page.Offset; i < len(all) && i < page.Offset+page.Limit; i++ {
		res.Items = append(res.Items, all[i])
	}
	return res, nil
}

func (m *memRepo) Update(_ context.Context, e *Equipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[e.HexID()]
	if !ok || cur.OrgID != e.OrgID {
		return ErrNotFound
	}
	if other := m.findByName(e.OrgID, e.Vendor, e.Model); other != nil && other.ID != e.ID {
		return ErrDuplicate
	}
	m.items[e.HexID()] = m.clone(e)
	return nil
}

func (m *memRepo) SetDatasheet(_ context.Context, orgID, id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok || e.OrgID != orgID {
		return ErrNotFound
	}
	e.DatasheetKey = key
	return nil
}

func (m *memRepo) Delete(_ context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok || e.OrgID != orgID {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *memRepo) Upsert(_ context.Context, orgID, userID string, items []Input) (ImportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res ImportResult
	for _, in := range items {
		if e := m.findByName(orgID, in.Vendor, in.Model); e != nil {
			in.apply(e)
			res.Updated++
			continue
		}
		e := &Equipment{ID: primitive.NewObjectID(), OrgID: orgID, CreatedBy: userID}
		in.apply(e)
		m.items[e.HexID()] = e
		res.Created++
	}
	return res, nil
}

func (m *memRepo) CountExisting(_ context.Context, orgID string, items []Input) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, in := range items {
		if m.findByName(orgID, in.Vendor, in.Model) != nil {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) Count(_ context.Context, orgID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.items {
		if e.OrgID == orgID {
			n++
		}
	}
	return n, nil
}

// placementStub reports a fixed count for each equipment id
type placementStub map[string]int64

func (p placementStub) EquipmentInUse(_ context.Context, _, id string) (int64, error) {
	return p[id], nil
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

// quotaStub allows at most equipmentLimit new entries per check
type quotaStub struct {
	equipmentLimit int64
	storageErr     error
	asked          []int64
}

func (q *quotaStub) CheckDesignQuota(context.Context, string) error { return nil }
func (q *quotaStub) CheckEquipmentQuota(_ context.Context, _ string, n int64) error {
	q.asked = append(q.asked, n)
	if q.equipmentLimit > 0 && n > q.equipmentLimit {
		return &orgs.QuotaExceededError{Resource: orgs.ResourceEquipment, Current: n, Limit: q.equipmentLimit, Tier: orgs.PlanFree}
	}
	return nil
}
func (q *quotaStub) CheckStorageQuota(context.Context, string, int64) error { return q.storageErr }
func (q *quotaStub) CheckReportQuota(context.Context, string) error         { return nil }

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
