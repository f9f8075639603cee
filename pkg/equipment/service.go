package equipment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/middleware"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/storage"
)

// ErrStorageDisabled is returned for datasheet operations without an object store
var ErrStorageDisabled = errors.New("datasheet storage is not configured")

// maxDatasheetBytes caps datasheet uploads
const maxDatasheetBytes = 10 << 20

// PlacementCounter reports how many designs place an entry
type PlacementCounter interface {
	EquipmentInUse(ctx context.Context, orgID, equipmentID string) (int64, error)
}

// Service applies catalog rules on top of a Repository
type Service struct {
	repo       Repository
	placements PlacementCounter
	objects    storage.ObjectStore
	quotas     orgs.QuotaChecker
	usage      orgs.UsageTracker
	logger     *observability.Logger
}

// NewService creates an equipment service. Everything but repo may be nil.
func NewService(repo Repository, placements PlacementCounter, objects storage.ObjectStore, quotas orgs.QuotaChecker, usage orgs.UsageTracker, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		repo:       repo,
		placements: placements,
		objects:    objects,
		quotas:     quotas,
		usage:      usage,
		logger:     logger.WithField("component", "equipment"),
	}
}

// Create adds an entry to the org's catalog
func (s *Service) Create(ctx context.Context, orgID, userID string, in Input) (*Equipment, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	e := &Equipment{OrgID: orgID, CreatedBy: userID}
	in.apply(e)
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	middleware.TrackUsage(ctx, s.usage, orgID, orgs.ResourceEquipment, 1)
	audit.Record(ctx, audit.EventTypeEquipmentCreate, audit.ResourceTypeEquipment, e.HexID(),
		map[string]interface{}{"vendor": e.Vendor, "model": e.Model})
	return e, nil
}

// Get returns one entry
func (s *Service) Get(ctx context.Context, orgID, id string) (*Equipment, error) {
	return s.repo.Get(ctx, orgID, id)
}

// GetMany returns the entries with ids, keyed by id
func (s *Service) GetMany(ctx context.Context, orgID string, ids []string) (map[string]*Equipment, error) {
	return s.repo.GetMany(ctx, orgID, ids)
}

// List returns a page of the catalog
func (s *Service) List(ctx context.Context, orgID string, filter Filter, page Page) (*ListResult, error) {
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, &InvalidError{Problems: []string{fmt.Sprintf("unknown category %q", filter.Category)}}
	}
	return s.repo.List(ctx, orgID, filter, page)
}

// Update replaces an entry's editable fields
func (s *Service) Update(ctx context.Context, orgID, id string, in Input) (*Equipment, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	e, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	before := map[string]interface{}{"vendor": e.Vendor, "model": e.Model, "category": string(e.Category)}
	in.apply(e)
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}
	audit.RecordChange(ctx, audit.EventTypeEquipmentUpdate, audit.ResourceTypeEquipment, id, before,
		map[string]interface{}{"vendor": e.Vendor, "model": e.Model, "category": string(e.Category)})
	return e, nil
}

// Delete removes an entry unless a design still places it
func (s *Service) Delete(ctx context.Context, orgID, id string) error {
	e, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if s.placements != nil {
		n, err := s.placements.EquipmentInUse(ctx, orgID, id)
		if err != nil {
			return fmt.Errorf("failed to check equipment usage: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w (%d)", ErrInUse, n)
		}
	}
	if err := s.repo.Delete(ctx, orgID, id); err != nil {
		return err
	}
	middleware.TrackUsage(ctx, s.usage, orgID, orgs.ResourceEquipment, -1)
	if e.DatasheetKey != "" && s.objects != nil {
		if info, err := s.objects.Stat(ctx, e.DatasheetKey); err == nil {
			middleware.TrackUsage(ctx, s.usage, orgID, orgs.ResourceStorage, -info.Size)
		}
		if err := s.objects.Delete(ctx, e.DatasheetKey); err != nil {
			s.logger.WithError(err).WithField("key", e.DatasheetKey).Warn("failed to delete datasheet")
		}
	}
	audit.Record(ctx, audit.EventTypeEquipmentDelete, audit.ResourceTypeEquipment, id,
		map[string]interface{}{"vendor": e.Vendor, "model": e.Model})
	return nil
}

// ImportYAML seeds or refreshes the catalog from a YAML document. Entries
// matching an existing vendor and model are overwritten.
func (s *Service) ImportYAML(ctx context.Context, orgID, userID string, data []byte) (ImportResult, error) {
	items, err := ParseCatalog(data)
	if err != nil {
		return ImportResult{}, err
	}
	existing, err := s.repo.CountExisting(ctx, orgID, items)
	if err != nil {
		return ImportResult{}, err
	}
	if added := int64(len(items)) - existing; added > 0 && s.quotas != nil {
		if err := s.quotas.CheckEquipmentQuota(ctx, orgID, added); err != nil {
			return ImportResult{}, err
		}
	}
	res, err := s.repo.Upsert(ctx, orgID, userID, items)
	if err != nil {
		return ImportResult{}, err
	}
	middleware.TrackUsage(ctx, s.usage, orgID, orgs.ResourceEquipment, int64(res.Created))
	audit.Record(ctx, audit.EventTypeEquipmentImport, audit.ResourceTypeEquipment, "",
		map[string]interface{}{"created": res.Created, "updated": res.Updated})
	s.logger.WithFields(map[string]interface{}{
		"org_id": orgID, "created": res.Created, "updated": res.Updated,
	}).Info("equipment catalog imported")
	return res, nil
}

// DatasheetKey is the object key of an entry's datasheet
func DatasheetKey(orgID, id string) string {
	return fmt.Sprintf("orgs/%s/equipment/%s/datasheet.pdf", orgID, id)
}

// UploadDatasheet stores a PDF datasheet for an entry, replacing any previous one
func (s *Service) UploadDatasheet(ctx context.Context, orgID, id, filename, contentType string, size int64, body io.Reader) (*storage.ObjectInfo, error) {
	if s.objects == nil {
		return nil, ErrStorageDisabled
	}
	ct, err := storage.ValidateUpload(filename, contentType, size, maxDatasheetBytes)
	if err != nil {
		return nil, err
	}
	if ct != "application/pdf" {
		return nil, fmt.Errorf("%w: datasheets must be PDF", storage.ErrContentTypeNotAllowed)
	}
	e, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	var previous int64
	if e.DatasheetKey != "" {
		if info, err := s.objects.Stat(ctx, e.DatasheetKey); err == nil {
			previous = info.Size
		}
	}
	if s.quotas != nil && size > previous {
		if err := s.quotas.CheckStorageQuota(ctx, orgID, size-previous); err != nil {
			return nil, err
		}
	}

	key := DatasheetKey(orgID, id)
	info, err := s.objects.Put(ctx, key, body, size, ct)
	if err != nil {
		return nil, fmt.Errorf("failed to store datasheet: %w", err)
	}
	if err := s.repo.SetDatasheet(ctx, orgID, id, key); err != nil {
		return nil, err
	}
	middleware.TrackUsage(ctx, s.usage, orgID, orgs.ResourceStorage, info.Size-previous)
	return info, nil
}

// OpenDatasheet streams an entry's datasheet. The caller closes the reader.
func (s *Service) OpenDatasheet(ctx context.Context, orgID, id string) (io.ReadCloser, *storage.ObjectInfo, error) {
	if s.objects == nil {
		return nil, nil, ErrStorageDisabled
	}
	e, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, nil, err
	}
	if e.DatasheetKey == "" {
		return nil, nil, ErrNoDatasheet
	}
	rc, info, err := s.objects.Get(ctx, e.DatasheetKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, nil, ErrNoDatasheet
	}
	return rc, info, err
}

func statusFor(err error) int {
	var invalid *InvalidError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoDatasheet):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrInUse):
		return http.StatusConflict
	case errors.As(err, &invalid), errors.Is(err, storage.ErrEmptyUpload):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrContentTypeNotAllowed):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrStorageDisabled):
		return http.StatusServiceUnavailable
	case orgs.IsQuotaExceeded(err):
		return http.StatusTooManyRequests
	}
	return 0
}
