package equipment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/storage"
)

type serviceFixture struct {
	svc        *Service
	repo       *memRepo
	placements placementStub
	objects    *storage.FilesystemStore
	quotas     *quotaStub
	usage      *usageLog
	audit      *auditLog
	ctx        context.Context
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	objects, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	f := &serviceFixture{
		repo:       newMemRepo(),
		placements: placementStub{},
		objects:    objects,
		quotas:     &quotaStub{},
		usage:      newUsageLog(),
		audit:      &auditLog{},
	}
	f.svc = NewService(f.repo, f.placements, f.objects, f.quotas, f.usage, nil)
	f.ctx = audit.WithLogger(context.Background(), f.audit)
	return f
}

func (f *serviceFixture) create(t *testing.T, vendor, model string) *Equipment {
	t.Helper()
	e, err := f.svc.Create(f.ctx, "org-1", "u1", Input{Vendor: vendor, Model: model, Category: CategorySwitch})
	require.NoError(t, err)
	return e
}

func pdfBody() []byte {
	return []byte("%PDF-1.7\n1 0 obj << /Type /Catalog >> endobj\n%%EOF\n")
}

func TestServiceCreate(t *testing.T) {
	f := newServiceFixture(t)

	e, err := f.svc.Create(f.ctx, "org-1", "u1", Input{Vendor: " Cisco ", Model: "C9300-48P", Category: "SWITCH", PortCount: 52})
	require.NoError(t, err)
	assert.Equal(t, "Cisco", e.Vendor)
	assert.Equal(t, CategorySwitch, e.Category)
	assert.Equal(t, "u1", e.CreatedBy)
	assert.Equal(t, []audit.EventType{audit.EventTypeEquipmentCreate}, f.audit.types())
	assert.Eventually(t, func() bool { return f.usage.get(orgs.ResourceEquipment) == 1 }, time.Second, 10*time.Millisecond)

	_, err = f.svc.Create(f.ctx, "org-1", "u1", Input{Vendor: "cisco", Model: "c9300-48p"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = f.svc.Create(f.ctx, "org-1", "u1", Input{Model: "orphan"})
	var invalid *InvalidError
	assert.ErrorAs(t, err, &invalid)
}

func TestServiceListRejectsUnknownCategory(t *testing.T) {
	f := newServiceFixture(t)
	f.create(t, "Arista", "7050SX3")

	res, err := f.svc.List(f.ctx, "org-1", Filter{Category: CategorySwitch}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total)

	_, err = f.svc.List(f.ctx, "org-1", Filter{Category: "toaster"}, Page{})
	var invalid *InvalidError
	assert.ErrorAs(t, err, &invalid)
}

func TestServiceUpdate(t *testing.T) {
	f := newServiceFixture(t)
	e := f.create(t, "Arista", "7050SX3")
	f.create(t, "Arista", "7280R3")

	updated, err := f.svc.Update(f.ctx, "org-1", e.HexID(), Input{Vendor: "Arista", Model: "7050SX3-48YC8", Category: "switch", PortCount: 56})
	require.NoError(t, err)
	assert.Equal(t, "7050SX3-48YC8", updated.Model)
	assert.Contains(t, f.audit.types(), audit.EventTypeEquipmentUpdate)

	_, err = f.svc.Update(f.ctx, "org-1", e.HexID(), Input{Vendor: "Arista", Model: "7280R3"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = f.svc.Update(f.ctx, "org-2", e.HexID(), Input{Vendor: "Arista", Model: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceDelete(t *testing.T) {
	f := newServiceFixture(t)
	placed := f.create(t, "Juniper", "MX204")
	free := f.create(t, "Juniper", "EX2300")
	f.placements[placed.HexID()] = 3

	err := f.svc.Delete(f.ctx, "org-1", placed.HexID())
	assert.ErrorIs(t, err, ErrInUse)
	assert.Contains(t, err.Error(), "(3)")
	assert.Equal(t, http.StatusConflict, statusFor(err))

	_, err = f.svc.UploadDatasheet(f.ctx, "org-1", free.HexID(), "ex2300.pdf", "application/pdf", int64(len(pdfBody())), bytes.NewReader(pdfBody()))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return f.usage.get(orgs.ResourceStorage) == int64(len(pdfBody())) }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.svc.Delete(f.ctx, "org-1", free.HexID()))
	_, err = f.objects.Stat(context.Background(), DatasheetKey("org-1", free.HexID()))
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	assert.Eventually(t, func() bool {
		return f.usage.get(orgs.ResourceStorage) == 0 && f.usage.get(orgs.ResourceEquipment) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, f.audit.types(), audit.EventTypeEquipmentDelete)

	assert.ErrorIs(t, f.svc.Delete(f.ctx, "org-1", free.HexID()), ErrNotFound)
}

func TestServiceImportYAML(t *testing.T) {
	f := newServiceFixture(t)
	f.create(t, "Arista", "7050SX3")

	res, err := f.svc.ImportYAML(f.ctx, "org-1", "u2", []byte(`
- vendor: Arista
  model: 7050SX3
  category: switch
  port_count: 56
- vendor: Arista
  model: 7280R3
  category: switch
- vendor: Juniper
  model: MX204
  category: router
`))
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Created: 2, Updated: 1}, res)
	assert.Equal(t, []int64{2}, f.quotas.asked)
	assert.Contains(t, f.audit.types(), audit.EventTypeEquipmentImport)
	assert.Eventually(t, func() bool { return f.usage.get(orgs.ResourceEquipment) == 3 }, time.Second, 10*time.Millisecond)

	list, err := f.svc.List(f.ctx, "org-1", Filter{Vendor: "arista"}, Page{})
	require.NoError(t, err)
	require.Len(t, list.Items, 2)
	assert.Equal(t, 56, list.Items[0].PortCount)
}

func TestServiceImportYAMLQuota(t *testing.T) {
	f := newServiceFixture(t)
	f.quotas.equipmentLimit = 1

	_, err := f.svc.ImportYAML(f.ctx, "org-1", "u1", []byte("- {vendor: A, model: one}\n- {vendor: A, model: two}\n"))
	assert.True(t, orgs.IsQuotaExceeded(err))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(err))

	n, _ := f.repo.Count(f.ctx, "org-1")
	assert.Zero(t, n)
}

func TestServiceImportYAMLRejectsBadCatalog(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.ImportYAML(f.ctx, "org-1", "u1", []byte("- {vendor: A, model: one, rack_units: 99}\n"))
	var invalid *InvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"equipment[0]: rack_units must be between 0 and 60"}, invalid.Problems)
	assert.Empty(t, f.quotas.asked)
}

func TestServiceDatasheet(t *testing.T) {
	f := newServiceFixture(t)
	e := f.create(t, "Fortinet", "FG-100F")

	_, _, err := f.svc.OpenDatasheet(f.ctx, "org-1", e.HexID())
	assert.ErrorIs(t, err, ErrNoDatasheet)

	body := pdfBody()
	info, err := f.svc.UploadDatasheet(f.ctx, "org-1", e.HexID(), "FG-100F.pdf", "", int64(len(body)), bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", info.ContentType)

	got, err := f.svc.Get(f.ctx, "org-1", e.HexID())
	require.NoError(t, err)
	assert.True(t, got.HasDatasheet)

	rc, _, err := f.svc.OpenDatasheet(f.ctx, "org-1", e.HexID())
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, body, data)

	// a larger replacement only counts the growth
	bigger := append(pdfBody(), bytes.Repeat([]byte("x"), 100)...)
	_, err = f.svc.UploadDatasheet(f.ctx, "org-1", e.HexID(), "FG-100F.pdf", "application/pdf", int64(len(bigger)), bytes.NewReader(bigger))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return f.usage.get(orgs.ResourceStorage) == int64(len(bigger)) }, time.Second, 10*time.Millisecond)
}

func TestServiceDatasheetRejections(t *testing.T) {
	f := newServiceFixture(t)
	e := f.create(t, "Fortinet", "FG-100F")
	body := pdfBody()

	_, err := f.svc.UploadDatasheet(f.ctx, "org-1", e.HexID(), "diagram.png", "image/png", 10, bytes.NewReader(body))
	assert.ErrorIs(t, err, storage.ErrContentTypeNotAllowed)

	_, err = f.svc.UploadDatasheet(f.ctx, "org-1", e.HexID(), "big.pdf", "application/pdf", maxDatasheetBytes+1, bytes.NewReader(body))
	assert.ErrorIs(t, err, storage.ErrUploadTooLarge)

	_, err = f.svc.UploadDatasheet(f.ctx, "org-1", e.HexID(), "empty.pdf", "application/pdf", 0, bytes.NewReader(nil))
	assert.ErrorIs(t, err, storage.ErrEmptyUpload)

	f.quotas.storageErr = &orgs.QuotaExceededError{Resource: orgs.ResourceStorage, Current: 1, Limit: 1, Tier: orgs.PlanFree}
	_, err = f.svc.UploadDatasheet(f.ctx, "org-1", e.HexID(), "ok.pdf", "application/pdf", int64(len(body)), bytes.NewReader(body))
	assert.True(t, orgs.IsQuotaExceeded(err))

	noStore := NewService(f.repo, nil, nil, nil, nil, nil)
	_, err = noStore.UploadDatasheet(f.ctx, "org-1", e.HexID(), "ok.pdf", "application/pdf", int64(len(body)), bytes.NewReader(body))
	assert.ErrorIs(t, err, ErrStorageDisabled)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrNoDatasheet, http.StatusNotFound},
		{ErrDuplicate, http.StatusConflict},
		{&InvalidError{Problems: []string{"x"}}, http.StatusBadRequest},
		{storage.ErrEmptyUpload, http.StatusBadRequest},
		{storage.ErrUploadTooLarge, http.StatusRequestEntityTooLarge},
		{storage.ErrContentTypeNotAllowed, http.StatusUnsupportedMediaType},
		{ErrStorageDisabled, http.StatusServiceUnavailable},
		{errors.New("boom"), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
