package reports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/netforge/pkg/async"
	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/designs"
	"github.com/platinummonkey/netforge/pkg/middleware"
	"github.com/platinummonkey/netforge/pkg/notifications"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/storage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxErrorLength   = 500
)

// DesignSource loads the design a report is about
type DesignSource interface {
	Get(ctx context.Context, orgID, id string) (*designs.Design, error)
}

// Notifier tells the requester their report finished
type Notifier interface {
	Notify(ctx context.Context, n *notifications.Notification) error
}

// EventType names a report lifecycle event
type EventType string

const (
	EventCompleted EventType = "report.completed"
	EventFailed    EventType = "report.failed"
)

// Event is published when a report job finishes
type Event struct {
	Type       EventType `json:"type"`
	Report     *Report   `json:"report"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher receives report events. Implementations must not block.
type EventPublisher interface {
	PublishReportEvent(ctx context.Context, e Event)
}

// PublisherFunc adapts a function to EventPublisher
type PublisherFunc func(ctx context.Context, e Event)

func (f PublisherFunc) PublishReportEvent(ctx context.Context, e Event) { f(ctx, e) }

// Publishers fans an event out to every non-nil publisher
func Publishers(ps ...EventPublisher) EventPublisher {
	return PublisherFunc(func(ctx context.Context, e Event) {
		for _, p := range ps {
			if p != nil {
				p.PublishReportEvent(ctx, e)
			}
		}
	})
}

// ServiceDeps wires a Service. Store, Designs and Objects are required for
// jobs to succeed; the rest are optional. Without a Pool jobs run inline.
type ServiceDeps struct {
	Store    Store
	Designs  DesignSource
	Builder  *Builder
	PDF      PDFRenderer
	Objects  storage.ObjectStore
	Pool     *async.WorkerPool
	Quotas   orgs.QuotaChecker
	Usage    orgs.UsageTracker
	Notifier Notifier
	Events   EventPublisher
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// Service requests, runs and serves reports
type Service struct {
	store    Store
	designs  DesignSource
	builder  *Builder
	pdf      PDFRenderer
	objects  storage.ObjectStore
	pool     *async.WorkerPool
	quotas   orgs.QuotaChecker
	usage    orgs.UsageTracker
	notifier Notifier
	events   EventPublisher
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// NewService creates a report service
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	builder := deps.Builder
	if builder == nil {
		builder = NewBuilder(nil)
	}
	return &Service{
		store:    deps.Store,
		designs:  deps.Designs,
		builder:  builder,
		pdf:      deps.PDF,
		objects:  deps.Objects,
		pool:     deps.Pool,
		quotas:   deps.Quotas,
		usage:    deps.Usage,
		notifier: deps.Notifier,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   logger.WithField("component", "reports"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Request validates req, records a pending report and queues the job. The
// returned report is pending, or already finished when there is no pool.
func (s *Service) Request(ctx context.Context, orgID, designID, userID string, tier orgs.PlanTier, req Request) (*Report, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Format == FormatPDF {
		if !orgs.QuotasForTier(tier).PDFReports {
			return nil, ErrPDFTier
		}
		if s.pdf == nil {
			return nil, ErrPDFDisabled
		}
	}
	if s.objects == nil {
		return nil, ErrStorageDisabled
	}
	if _, err := s.designs.Get(ctx, orgID, designID); err != nil {
		return nil, err
	}
	if s.quotas != nil {
		if err := s.quotas.CheckReportQuota(ctx, orgID); err != nil {
			return nil, err
		}
	}

	r := &Report{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		DesignID:    designID,
		Kind:        req.Kind,
		Format:      req.Format,
		Status:      StatusPending,
		RequestedBy: userID,
		CreatedAt:   s.now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}

	if s.pool == nil {
		s.run(ctx, r)
		return r, nil
	}
	job := *r
	carry := detach(ctx)
	err := s.pool.TrySubmit(func(jobCtx context.Context) error {
		return s.run(carry(jobCtx), &job)
	})
	if err != nil {
		s.logger.WithError(err).WithField("report_id", r.ID).Warn("failed to queue report")
		s.fail(context.WithoutCancel(ctx), r, err.Error())
		if errors.Is(err, async.ErrQueueFull) {
			return nil, ErrQueueBusy
		}
		return nil, fmt.Errorf("failed to queue report: %w", err)
	}
	return r, nil
}

// detach copies the caller identity needed for auditing onto a job context
func detach(ctx context.Context) func(context.Context) context.Context {
	logger := audit.FromContext(ctx)
	ac, hasAuth := auth.FromContext(ctx)
	org, hasOrg := orgs.FromContext(ctx)
	requestID := observability.GetRequestID(ctx)
	return func(jobCtx context.Context) context.Context {
		jobCtx = audit.WithLogger(jobCtx, logger)
		if hasAuth {
			jobCtx = auth.WithAuthContext(jobCtx, ac)
		}
		if hasOrg {
			jobCtx = orgs.WithOrganization(jobCtx, org, nil)
		}
		if requestID != "" {
			jobCtx = observability.WithRequestID(jobCtx, requestID)
		}
		return jobCtx
	}
}

// run executes one report job. r is updated in place.
func (s *Service) run(ctx context.Context, r *Report) error {
	started := s.now()
	if err := s.store.MarkRunning(ctx, r.ID, started); err != nil {
		return err
	}
	r.Status = StatusRunning
	r.StartedAt = &started

	data, err := s.render(ctx, r)
	if err != nil {
		s.fail(ctx, r, err.Error())
		return err
	}

	key := storage.ReportKey(r.OrgID, r.DesignID, r.ID, string(r.Format))
	info, err := s.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), r.Format.ContentType())
	if err != nil {
		err = fmt.Errorf("failed to store report: %w", err)
		s.fail(ctx, r, err.Error())
		return err
	}
	done := s.now()
	if err := s.store.MarkDone(ctx, r.ID, key, info.Size, done); err != nil {
		return err
	}
	r.Status = StatusDone
	r.ObjectKey = key
	r.SizeBytes = info.Size
	r.CompletedAt = &done

	middleware.TrackUsage(ctx, s.usage, r.OrgID, orgs.ResourceReports, 1)
	if s.metrics != nil {
		s.metrics.ReportsRenderedTotal.WithLabelValues(string(r.Kind), string(r.Format), "ok").Inc()
		s.metrics.ReportRenderDuration.WithLabelValues(string(r.Format)).Observe(done.Sub(started).Seconds())
	}
	audit.Record(ctx, audit.EventTypeReportGenerate, audit.ResourceTypeReport, r.ID, map[string]interface{}{
		"design_id": r.DesignID, "kind": string(r.Kind), "format": string(r.Format), "size_bytes": info.Size,
	})
	s.notify(ctx, r, notifications.KindReportReady, r.Kind.Title()+" report is ready", "")
	s.publish(ctx, EventCompleted, r)
	s.logger.WithFields(map[string]interface{}{
		"report_id": r.ID, "kind": r.Kind, "format": r.Format, "bytes": info.Size,
	}).Info("report rendered")
	return nil
}

func (s *Service) render(ctx context.Context, r *Report) ([]byte, error) {
	d, err := s.designs.Get(ctx, r.OrgID, r.DesignID)
	if err != nil {
		return nil, err
	}
	data, err := s.builder.Build(ctx, d, r.Kind)
	if err != nil {
		return nil, err
	}
	html, err := RenderHTML(data)
	if err != nil {
		return nil, err
	}
	if r.Format != FormatPDF {
		return html, nil
	}
	if s.pdf == nil {
		return nil, ErrPDFDisabled
	}
	return s.pdf.RenderPDF(ctx, html)
}

func (s *Service) fail(ctx context.Context, r *Report, reason string) {
	if len(reason) > maxErrorLength {
		reason = reason[:maxErrorLength]
	}
	at := s.now()
	if err := s.store.MarkFailed(ctx, r.ID, reason, at); err != nil {
		s.logger.WithError(err).WithField("report_id", r.ID).Error("failed to mark report failed")
	}
	r.Status = StatusFailed
	r.Error = reason
	r.CompletedAt = &at
	if s.metrics != nil {
		s.metrics.ReportsRenderedTotal.WithLabelValues(string(r.Kind), string(r.Format), "error").Inc()
	}
	s.notify(ctx, r, notifications.KindReportFailed, r.Kind.Title()+" report failed", reason)
	s.publish(ctx, EventFailed, r)
}

func (s *Service) notify(ctx context.Context, r *Report, kind, title, body string) {
	if s.notifier == nil || r.RequestedBy == "" {
		return
	}
	err := s.notifier.Notify(ctx, &notifications.Notification{
		OrgID:  r.OrgID,
		UserID: r.RequestedBy,
		Kind:   kind,
		Title:  title,
		Body:   body,
		Link:   fmt.Sprintf("/designs/%s/reports/%s", r.DesignID, r.ID),
	})
	if err != nil {
		s.logger.WithError(err).WithField("report_id", r.ID).Warn("failed to send report notification")
	}
}

func (s *Service) publish(ctx context.Context, t EventType, r *Report) {
	if s.events == nil {
		return
	}
	snapshot := *r
	s.events.PublishReportEvent(ctx, Event{Type: t, Report: &snapshot, OccurredAt: s.now()})
}

// Get returns a report of designID
func (s *Service) Get(ctx context.Context, orgID, designID, id string) (*Report, error) {
	r, err := s.store.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if r.DesignID != designID {
		return nil, ErrNotFound
	}
	return r, nil
}

// List returns the newest reports of a design
func (s *Service) List(ctx context.Context, orgID, designID string, limit int) ([]*Report, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	return s.store.ListForDesign(ctx, orgID, designID, limit)
}

// Open streams a finished report's artifact. The caller closes the reader.
func (s *Service) Open(ctx context.Context, orgID, designID, id string) (io.ReadCloser, *Report, error) {
	r, err := s.Get(ctx, orgID, designID, id)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != StatusDone {
		return nil, nil, fmt.Errorf("%w: status is %s", ErrNotReady, r.Status)
	}
	if s.objects == nil {
		return nil, nil, ErrStorageDisabled
	}
	rc, _, err := s.objects.Get(ctx, r.ObjectKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return rc, r, nil
}
