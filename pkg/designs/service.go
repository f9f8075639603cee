package designs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/ipam"
	"github.com/platinummonkey/netforge/pkg/middleware"
	"github.com/platinummonkey/netforge/pkg/notifications"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/storage"
	"github.com/platinummonkey/netforge/pkg/topology"
)

// ErrVersionRequired is returned when an update does not say which version it edits
var ErrVersionRequired = errors.New("design version is required, send If-Match or version")

// EventType names a design lifecycle event
type EventType string

const (
	EventCreated            EventType = "design.created"
	EventUpdated            EventType = "design.updated"
	EventDeleted            EventType = "design.deleted"
	EventAttachmentUploaded EventType = "design.attachment_uploaded"
	EventAttachmentDeleted  EventType = "design.attachment_deleted"
)

// Event is published after every successful design mutation
type Event struct {
	Type       EventType   `json:"type"`
	OrgID      string      `json:"org_id"`
	DesignID   string      `json:"design_id"`
	UserID     string      `json:"user_id"`
	Version    int64       `json:"version"`
	Payload    interface{} `json:"payload,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// EventPublisher receives design events. Implementations must not block.
type EventPublisher interface {
	PublishDesignEvent(ctx context.Context, e Event)
}

// PublisherFunc adapts a function to EventPublisher
type PublisherFunc func(ctx context.Context, e Event)

func (f PublisherFunc) PublishDesignEvent(ctx context.Context, e Event) { f(ctx, e) }

// Publishers fans an event out to every non-nil publisher
func Publishers(ps ...EventPublisher) EventPublisher {
	return PublisherFunc(func(ctx context.Context, e Event) {
		for _, p := range ps {
			if p != nil {
				p.PublishDesignEvent(ctx, e)
			}
		}
	})
}

// Notifier delivers notifications to design watchers
type Notifier interface {
	NotifyMany(ctx context.Context, userIDs []string, tmpl notifications.Notification) error
}

// GrantCleaner removes team grants when a design goes away
type GrantCleaner interface {
	DeleteDesignGrants(ctx context.Context, orgID, designID string) error
}

// ServiceDeps wires a Service. Repo is required; everything else is optional.
type ServiceDeps struct {
	Repo     Repository
	Cache    *Cache
	Objects  storage.ObjectStore
	Quotas   orgs.QuotaChecker
	Usage    orgs.UsageTracker
	Grants   GrantCleaner
	Events   EventPublisher
	Notifier Notifier
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// Service applies the design business rules on top of a Repository
type Service struct {
	repo     Repository
	cache    *Cache
	objects  storage.ObjectStore
	quotas   orgs.QuotaChecker
	usage    orgs.UsageTracker
	grants   GrantCleaner
	events   EventPublisher
	notifier Notifier
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// NewService creates a design service
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		repo:     deps.Repo,
		cache:    deps.Cache,
		objects:  deps.Objects,
		quotas:   deps.Quotas,
		usage:    deps.Usage,
		grants:   deps.Grants,
		events:   deps.Events,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   logger.WithField("component", "designs"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func fromInput(in DesignInput) *Design {
	return &Design{
		Name:        in.Name,
		Description: in.Description,
		Status:      in.Status,
		Tags:        in.Tags,
		Subnets:     in.Subnets,
		VLANs:       in.VLANs,
		Devices:     in.Devices,
		Links:       in.Links,
	}
}

// Create validates and stores a new design owned by orgID
func (s *Service) Create(ctx context.Context, orgID, userID string, in DesignInput) (*Design, error) {
	d := fromInput(in)
	d.OrgID = orgID
	d.CreatedBy = userID
	d.UpdatedBy = userID
	d.Watchers = []string{userID}
	Normalize(d)
	if err := Validate(d); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}

	s.cache.Set(ctx, d)
	middleware.TrackUsage(ctx, s.usage, orgID, orgs.ResourceDesigns, 1)
	if s.metrics != nil {
		s.metrics.DesignsCreatedTotal.Inc()
		s.metrics.DesignMutationsTotal.WithLabelValues("create").Inc()
	}
	audit.Record(ctx, audit.EventTypeDesignCreate, audit.ResourceTypeDesign, d.HexID(), map[string]interface{}{"name": d.Name})
	s.publish(ctx, EventCreated, d, userID, d)
	s.logger.WithFields(map[string]interface{}{"org_id": orgID, "design_id": d.HexID()}).Info("design created")
	return d, nil
}

// Get returns a design through the cache. The result is shared; clone
// before mutating.
func (s *Service) Get(ctx context.Context, orgID, id string) (*Design, error) {
	if d, ok := s.cache.Get(ctx, orgID, id); ok {
		return d, nil
	}
	d, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, d)
	return d, nil
}

// List returns a page of the org's designs
func (s *Service) List(ctx context.Context, orgID string, filter ListFilter, page Page) (*ListResult, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &ValidationError{Issues: []FieldIssue{{Field: "status", Message: "unknown status"}}}
	}
	return s.repo.List(ctx, orgID, filter, page)
}

// Update replaces a design's content. req.Version must match the stored
// version or ErrVersionConflict is returned.
func (s *Service) Update(ctx context.Context, orgID, id, userID string, req UpdateRequest) (*Design, error) {
	if req.Version <= 0 {
		return nil, ErrVersionRequired
	}
	current, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if current.Version != req.Version {
		return nil, ErrVersionConflict
	}

	next := current.Clone()
	in := fromInput(req.DesignInput)
	next.Name, next.Description, next.Tags = in.Name, in.Description, in.Tags
	next.Subnets, next.VLANs, next.Devices, next.Links = in.Subnets, in.VLANs, in.Devices, in.Links
	next.Status = in.Status
	if next.Status == "" {
		next.Status = current.Status
	}
	return s.save(ctx, current, next, userID, "update")
}

// save validates next and writes it over current
func (s *Service) save(ctx context.Context, current, next *Design, userID, operation string) (*Design, error) {
	next.UpdatedBy = userID
	Normalize(next)
	if err := Validate(next); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, current.OrgID, next, current.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.cache.Invalidate(ctx, current.OrgID, current.HexID())
		}
		return nil, err
	}
	s.cache.Invalidate(ctx, next.OrgID, next.HexID())

	if s.metrics != nil {
		s.metrics.DesignMutationsTotal.WithLabelValues(operation).Inc()
	}
	audit.RecordChange(ctx, audit.EventTypeDesignUpdate, audit.ResourceTypeDesign, next.HexID(), summary(current), summary(next))
	s.publish(ctx, EventUpdated, next, userID, next)
	s.notifyWatchers(ctx, next, userID, notifications.KindDesignUpdated,
		fmt.Sprintf("%s was updated", next.Name),
		fmt.Sprintf("Version %d saved", next.Version))
	return next, nil
}

func summary(d *Design) map[string]interface{} {
	return map[string]interface{}{
		"version": d.Version,
		"name":    d.Name,
		"status":  string(d.Status),
		"subnets": len(d.Subnets),
		"vlans":   len(d.VLANs),
		"devices": len(d.Devices),
		"links":   len(d.Links),
	}
}

// Delete removes a design, its attachments and its team grants
func (s *Service) Delete(ctx context.Context, orgID, id, userID string) error {
	d, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, orgID, id); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, orgID, id)

	if s.grants != nil {
		if err := s.grants.DeleteDesignGrants(ctx, orgID, id); err != nil {
			s.logger.WithError(err).WithField("design_id", id).Warn("failed to remove design grants")
		}
	}
	var freed int64
	for _, a := range d.Attachments {
		if s.objects != nil {
			if err := s.objects.Delete(ctx, a.Key); err != nil {
				s.logger.WithError(err).WithField("key", a.Key).Warn("failed to delete attachment object")
				continue
			}
		}
		freed += a.Size
	}
	middleware.TrackUsage(ctx, s.usage, orgID, orgs.ResourceDesigns, -1)
	middleware.TrackUsage(ctx, s.usage, orgID, orgs.ResourceStorage, -freed)

	if s.metrics != nil {
		s.metrics.DesignMutationsTotal.WithLabelValues("delete").Inc()
	}
	audit.Record(ctx, audit.EventTypeDesignDelete, audit.ResourceTypeDesign, id, map[string]interface{}{"name": d.Name})
	s.publish(ctx, EventDeleted, d, userID, nil)
	s.notifyWatchers(ctx, d, userID, notifications.KindDesignDeleted,
		fmt.Sprintf("%s was deleted", d.Name), "")
	return nil
}

// Clone copies a design's content into a new draft. Attachments and
// watchers are not copied.
func (s *Service) Clone(ctx context.Context, orgID, id, userID, name string) (*Design, error) {
	src, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	c := src.Clone()
	if name == "" {
		name = "Copy of " + src.Name
		if len(name) > maxNameLength {
			name = name[:maxNameLength]
		}
	}
	return s.Create(ctx, orgID, userID, DesignInput{
		Name:        name,
		Description: c.Description,
		Status:      StatusDraft,
		Tags:        c.Tags,
		Subnets:     c.Subnets,
		VLANs:       c.VLANs,
		Devices:     c.Devices,
		Links:       c.Links,
	})
}

// Export serializes a design in f
func (s *Service) Export(ctx context.Context, orgID, id string, f Format) ([]byte, *Design, error) {
	d, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := Marshal(d, f)
	if err != nil {
		return nil, nil, err
	}
	audit.Record(ctx, audit.EventTypeDesignExport, audit.ResourceTypeDesign, id, map[string]interface{}{"format": string(f)})
	return data, d, nil
}

// Import creates a design from an exported document
func (s *Service) Import(ctx context.Context, orgID, userID string, data []byte, f Format) (*Design, error) {
	in, err := Unmarshal(data, f)
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, orgID, userID, *in)
}

// AllocateSubnets sizes each requirement with VLSM inside parent, skipping
// space already used by the design, and appends the new subnets.
func (s *Service) AllocateSubnets(ctx context.Context, orgID, id, userID string, req AllocateSubnetsRequest) (*Design, []ipam.Allocation, error) {
	ve := &ValidationError{}
	parent, err := ipam.ParsePrefix(req.ParentCIDR)
	if err != nil {
		ve.add("parent_cidr", "%q is not a valid CIDR", req.ParentCIDR)
	}
	if len(req.Requirements) == 0 {
		ve.add("requirements", "at least one requirement is needed")
	}
	reqs := make([]ipam.HostRequirement, 0, len(req.Requirements))
	vlanFor := map[string]int{}
	for i, r := range req.Requirements {
		if r.Name == "" {
			ve.add(fmt.Sprintf("requirements[%d].name", i), "is required")
		}
		if r.Hosts == 0 {
			ve.add(fmt.Sprintf("requirements[%d].hosts", i), "must be at least 1")
		}
		reqs = append(reqs, ipam.HostRequirement{Name: r.Name, Hosts: r.Hosts})
		vlanFor[r.Name] = r.VLANID
	}
	if err := ve.orNil(); err != nil {
		return nil, nil, err
	}

	current, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, nil, err
	}
	if req.Version != 0 && req.Version != current.Version {
		return nil, nil, ErrVersionConflict
	}

	used := make([]netip.Prefix, 0, len(current.Subnets))
	for _, sn := range current.Subnets {
		if p, err := ipam.ParsePrefix(sn.CIDR); err == nil {
			used = append(used, p)
		}
	}
	allocs, err := ipam.AllocateVLSMExcluding(parent, used, reqs)
	if err != nil {
		s.countAllocation("subnet", "no_space")
		return nil, nil, err
	}

	next := current.Clone()
	for _, a := range allocs {
		sn := Subnet{Name: a.Name, CIDR: a.Prefix.String(), VLANID: vlanFor[a.Name], Purpose: req.Purpose}
		if a.Info.UsableHosts > 2 {
			sn.Gateway = a.Info.FirstHost
		}
		next.Subnets = append(next.Subnets, sn)
	}
	saved, err := s.save(ctx, current, next, userID, "allocate_subnets")
	if err != nil {
		return nil, nil, err
	}
	s.countAllocation("subnet", "ok")
	return saved, allocs, nil
}

// AllocateVLAN adds a VLAN with the lowest id not yet used by the design
func (s *Service) AllocateVLAN(ctx context.Context, orgID, id, userID string, req AllocateVLANRequest) (*Design, VLAN, error) {
	if req.Name == "" {
		return nil, VLAN{}, &ValidationError{Issues: []FieldIssue{{Field: "name", Message: "is required"}}}
	}
	current, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, VLAN{}, err
	}
	if req.Version != 0 && req.Version != current.Version {
		return nil, VLAN{}, ErrVersionConflict
	}

	alloc := ipam.DefaultVLANAllocator()
	for _, v := range current.VLANs {
		_ = alloc.Reserve(v.ID, v.Name)
	}
	vid, err := alloc.Allocate(req.Name)
	if err != nil {
		s.countAllocation("vlan", "exhausted")
		return nil, VLAN{}, err
	}

	vlan := VLAN{ID: vid, Name: req.Name, Description: req.Description}
	next := current.Clone()
	next.VLANs = append(next.VLANs, vlan)
	saved, err := s.save(ctx, current, next, userID, "allocate_vlan")
	if err != nil {
		return nil, VLAN{}, err
	}
	s.countAllocation("vlan", "ok")
	return saved, vlan, nil
}

func (s *Service) countAllocation(kind, result string) {
	if s.metrics != nil {
		s.metrics.SubnetAllocations.WithLabelValues(kind, result).Inc()
	}
}

// Topology builds the device graph of a design
func (s *Service) Topology(ctx context.Context, orgID, id string) (*topology.Graph, error) {
	d, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return BuildTopology(d)
}

// BuildTopology converts a design's devices and links into a graph
func BuildTopology(d *Design) (*topology.Graph, error) {
	nodes := make([]topology.Node, len(d.Devices))
	for i, dev := range d.Devices {
		nodes[i] = topology.Node{ID: dev.ID, Name: dev.Name, Role: dev.Role, Site: dev.Site}
	}
	edges := make([]topology.Edge, len(d.Links))
	for i, l := range d.Links {
		edges[i] = topology.Edge{ID: l.ID, Source: l.Source, Target: l.Target, Medium: l.Medium}
	}
	return topology.New(nodes, edges)
}

// Watch subscribes or unsubscribes userID from a design's notifications
func (s *Service) Watch(ctx context.Context, orgID, id, userID string, watch bool) error {
	if err := s.repo.SetWatcher(ctx, orgID, id, userID, watch); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, orgID, id)
	return nil
}

// EquipmentInUse reports how many designs place equipmentID
func (s *Service) EquipmentInUse(ctx context.Context, orgID, equipmentID string) (int64, error) {
	return s.repo.CountByEquipment(ctx, orgID, equipmentID)
}

func (s *Service) publish(ctx context.Context, t EventType, d *Design, userID string, payload interface{}) {
	if s.events == nil {
		return
	}
	s.events.PublishDesignEvent(ctx, Event{
		Type:       t,
		OrgID:      d.OrgID,
		DesignID:   d.HexID(),
		UserID:     userID,
		Version:    d.Version,
		Payload:    payload,
		OccurredAt: s.now(),
	})
}

func (s *Service) notifyWatchers(ctx context.Context, d *Design, actor, kind, title, body string) {
	if s.notifier == nil {
		return
	}
	var users []string
	for _, w := range d.Watchers {
		if w != actor {
			users = append(users, w)
		}
	}
	if len(users) == 0 {
		return
	}
	err := s.notifier.NotifyMany(ctx, users, notifications.Notification{
		OrgID: d.OrgID,
		Kind:  kind,
		Title: title,
		Body:  body,
		Link:  fmt.Sprintf("/designs/%s", d.HexID()),
	})
	if err != nil {
		s.logger.WithError(err).WithField("design_id", d.HexID()).Warn("failed to notify watchers")
	}
}

// statusFor maps design errors to HTTP statuses. Zero means unknown.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAttachmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStorageDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrVersionRequired):
		return http.StatusPreconditionRequired
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrUnsupportedFormat), IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, ipam.ErrNoSpace), errors.Is(err, ipam.ErrVLANExhausted),
		errors.Is(err, ipam.ErrInvalidPrefixLength), errors.Is(err, ipam.ErrFamilyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrContentTypeNotAllowed):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, storage.ErrEmptyUpload):
		return http.StatusBadRequest
	case orgs.IsQuotaExceeded(err):
		return http.StatusTooManyRequests
	}
	return 0
}
