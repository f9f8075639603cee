package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
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
	"github.com/platinummonkey/netforge/pkg/reports"
)

const (
	defaultRateLimit    = 60
	rateWindow          = time.Minute
	defaultTimeout      = 10 * time.Second
	claimLease          = 2 * time.Minute
	claimBatch          = 100
	maxResponseDrain    = 64 << 10
	maxErrorLength      = 500
	defaultListLimit    = 50
	maxListLimit        = 200
	warnStreak          = 3
	disableStreak       = 10
	publishTimeout      = 30 * time.Second
	retryAttemptTimeout = 30 * time.Second
)

// Directory resolves organizations and their members
type Directory interface {
	GetOrganization(ctx context.Context, id string) (*orgs.Organization, error)
	ListMembers(ctx context.Context, orgID string) ([]*orgs.OrgMember, error)
}

// Notifier tells org admins about failing endpoints
type Notifier interface {
	NotifyMany(ctx context.Context, userIDs []string, tmpl notifications.Notification) error
}

// ServiceDeps wires a Service. Store is required. Without a Pool deliveries
// are attempted inline by the caller of Dispatch.
type ServiceDeps struct {
	Store             Store
	Client            *http.Client
	Retry             *RetryPolicy
	Pool              *async.WorkerPool
	Limiter           middleware.Limiter
	RateLimit         int
	Directory         Directory
	Notifier          Notifier
	AllowInsecureURLs bool
	Metrics           *observability.Metrics
	Logger            *observability.Logger
}

// Service manages endpoints and delivers events to them
type Service struct {
	store         Store
	client        *http.Client
	retry         *RetryPolicy
	pool          *async.WorkerPool
	limiter       middleware.Limiter
	rateLimit     int
	directory     Directory
	notifier      Notifier
	allowInsecure bool
	metrics       *observability.Metrics
	logger        *observability.Logger
	now           func() time.Time
}

// NewService creates a webhook service
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	policy := deps.Retry
	if policy == nil {
		policy = NewRetryPolicy(DefaultRetryConfig())
	}
	rateLimit := deps.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	return &Service{
		store:         deps.Store,
		client:        client,
		retry:         policy,
		pool:          deps.Pool,
		limiter:       deps.Limiter,
		rateLimit:     rateLimit,
		directory:     deps.Directory,
		notifier:      deps.Notifier,
		allowInsecure: deps.AllowInsecureURLs,
		metrics:       deps.Metrics,
		logger:        logger.WithField("component", "webhooks"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateEndpoint registers an endpoint. The returned endpoint carries the
// signing secret; later reads never do.
func (s *Service) CreateEndpoint(ctx context.Context, orgID, userID string, req CreateEndpointRequest) (*Endpoint, error) {
	if err := validateURL(req.URL, s.allowInsecure); err != nil {
		return nil, err
	}
	events, err := normalizeEvents(req.Events)
	if err != nil {
		return nil, err
	}
	format := req.Format
	if format == "" {
		format = FormatJSON
	}
	if !format.Valid() {
		return nil, ErrUnknownFormat
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate webhook secret: %w", err)
	}

	now := s.now()
	ep := &Endpoint{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		URL:         req.URL,
		Secret:      secret,
		Events:      events,
		Format:      format,
		Description: req.Description,
		Active:      true,
		CreatedBy:   userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	audit.Record(ctx, audit.EventTypeWebhookCreate, audit.ResourceTypeWebhook, ep.ID, map[string]interface{}{
		"url":    ep.URL,
		"events": ep.Events,
		"format": ep.Format,
	})
	return ep, nil
}

// GetEndpoint returns an endpoint without its secret
func (s *Service) GetEndpoint(ctx context.Context, orgID, id string) (*Endpoint, error) {
	ep, err := s.store.GetEndpoint(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return ep.redacted(), nil
}

// ListEndpoints returns the org's endpoints without secrets
func (s *Service) ListEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error) {
	eps, err := s.store.ListEndpoints(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for i, ep := range eps {
		eps[i] = ep.redacted()
	}
	return eps, nil
}

// UpdateEndpoint applies the set fields of req. Reactivating an endpoint
// clears its failure streak.
func (s *Service) UpdateEndpoint(ctx context.Context, orgID, id string, req UpdateEndpointRequest) (*Endpoint, error) {
	ep, err := s.store.GetEndpoint(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	before := endpointState(ep)

	if req.URL != nil {
		if err := validateURL(*req.URL, s.allowInsecure); err != nil {
			return nil, err
		}
		ep.URL = *req.URL
	}
	if req.Events != nil {
		events, err := normalizeEvents(req.Events)
		if err != nil {
			return nil, err
		}
		ep.Events = events
	}
	if req.Format != nil {
		if !req.Format.Valid() {
			return nil, ErrUnknownFormat
		}
		ep.Format = *req.Format
	}
	if req.Description != nil {
		ep.Description = *req.Description
	}
	if req.Active != nil {
		if *req.Active && !ep.Active {
			ep.FailureStreak = 0
		}
		ep.Active = *req.Active
	}
	ep.UpdatedAt = s.now()

	if err := s.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	audit.RecordChange(ctx, audit.EventTypeWebhookUpdate, audit.ResourceTypeWebhook, ep.ID, before, endpointState(ep))
	return ep.redacted(), nil
}

// RotateSecret replaces the signing secret and returns the endpoint with the new one
func (s *Service) RotateSecret(ctx context.Context, orgID, id string) (*Endpoint, error) {
	ep, err := s.store.GetEndpoint(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	ep.Secret = secret
	ep.UpdatedAt = s.now()
	if err := s.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	audit.Record(ctx, audit.EventTypeWebhookUpdate, audit.ResourceTypeWebhook, ep.ID, map[string]interface{}{
		"secret_rotated": true,
	})
	return ep, nil
}

// DeleteEndpoint removes an endpoint and its delivery log
func (s *Service) DeleteEndpoint(ctx context.Context, orgID, id string) error {
	if err := s.store.DeleteEndpoint(ctx, orgID, id); err != nil {
		return err
	}
	audit.Record(ctx, audit.EventTypeWebhookDelete, audit.ResourceTypeWebhook, id, nil)
	return nil
}

// ListDeliveries returns the most recent deliveries to an endpoint
func (s *Service) ListDeliveries(ctx context.Context, orgID, id string, limit int) ([]*Delivery, error) {
	if _, err := s.store.GetEndpoint(ctx, orgID, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListDeliveries(ctx, orgID, id, limit)
}

// Ping sends a test event right away and reports the outcome. Pings are
// logged but never retried and do not count toward the failure streak.
func (s *Service) Ping(ctx context.Context, orgID, id string) (*Delivery, error) {
	ep, err := s.store.GetEndpoint(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	d, err := s.newDelivery(ep, Event{
		ID:         uuid.NewString(),
		Type:       EventPing,
		OrgID:      orgID,
		OccurredAt: s.now(),
		Data:       map[string]interface{}{"webhook_id": ep.ID, "message": "webhook test from NetForge"},
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateDelivery(ctx, d); err != nil {
		return nil, err
	}

	d.Attempts = 1
	code, elapsed, sendErr := s.send(ctx, ep, d)
	s.finish(d, code, elapsed, sendErr, false)
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		return nil, err
	}
	s.count(d)
	return d, nil
}

// Dispatch records a delivery of the event for every active endpoint of the
// org subscribed to t and schedules the first attempts. Orgs whose plan no
// longer includes webhooks get nothing.
func (s *Service) Dispatch(ctx context.Context, orgID string, t EventType, data interface{}) error {
	if s.directory != nil {
		org, err := s.directory.GetOrganization(ctx, orgID)
		if err != nil {
			return fmt.Errorf("failed to load organization: %w", err)
		}
		if !orgs.QuotasForTier(org.PlanTier).Webhooks {
			return nil
		}
	}

	endpoints, err := s.store.ListSubscribed(ctx, orgID, t)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		return nil
	}

	event := Event{ID: uuid.NewString(), Type: t, OrgID: orgID, OccurredAt: s.now(), Data: data}
	for _, ep := range endpoints {
		d, err := s.newDelivery(ep, event)
		if err != nil {
			return err
		}
		if err := s.store.CreateDelivery(ctx, d); err != nil {
			return err
		}
		s.schedule(ctx, ep, d)
	}
	return nil
}

func (s *Service) newDelivery(ep *Endpoint, e Event) (*Delivery, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return &Delivery{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		OrgID:      ep.OrgID,
		EventID:    e.ID,
		EventType:  e.Type,
		Payload:    payload,
		Status:     DeliveryStatusPending,
		CreatedAt:  s.now(),
	}, nil
}

// schedule hands the first attempt to the pool. A full pool leaves the
// delivery due immediately for the retry loop.
func (s *Service) schedule(ctx context.Context, ep *Endpoint, d *Delivery) {
	if s.pool == nil {
		s.attempt(ctx, ep, d)
		return
	}
	err := s.pool.TrySubmit(func(ctx context.Context) error {
		s.attempt(ctx, ep, d)
		return nil
	})
	if err == nil {
		return
	}
	s.logger.WithError(err).WithField("delivery_id", d.ID).Warn("Webhook pool unavailable, deferring delivery")
	next := s.now()
	d.Status = DeliveryStatusRetrying
	d.NextAttemptAt = &next
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		s.logger.WithError(err).WithField("delivery_id", d.ID).Warn("Failed to defer webhook delivery")
	}
}

// attempt makes one delivery attempt and records the outcome
func (s *Service) attempt(ctx context.Context, ep *Endpoint, d *Delivery) {
	log := s.logger.WithFields(map[string]interface{}{
		"webhook_id":  ep.ID,
		"delivery_id": d.ID,
		"event_type":  d.EventType,
	})

	if s.limiter != nil {
		dec, err := s.limiter.Allow(ctx, "webhook:"+ep.ID, s.rateLimit, rateWindow)
		if err != nil {
			log.WithError(err).Warn("Webhook rate limiter unavailable, sending anyway")
		} else if !dec.Allowed {
			next := dec.ResetAt
			if next.Before(s.now()) {
				next = s.now().Add(time.Second)
			}
			d.Status = DeliveryStatusRetrying
			d.NextAttemptAt = &next
			d.Error = "rate limited"
			if err := s.store.UpdateDelivery(ctx, d); err != nil {
				log.WithError(err).Warn("Failed to reschedule throttled delivery")
			}
			if s.metrics != nil {
				s.metrics.WebhookDeliveriesSent.WithLabelValues("throttled").Inc()
			}
			return
		}
	}

	d.Attempts++
	code, elapsed, sendErr := s.send(ctx, ep, d)
	s.finish(d, code, elapsed, sendErr, true)
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		log.WithError(err).Warn("Failed to record webhook delivery")
	}
	s.count(d)

	switch d.Status {
	case DeliveryStatusRetrying:
		log.WithError(sendErr).WithField("attempts", d.Attempts).Debug("Webhook delivery failed, will retry")
	case DeliveryStatusFailed:
		log.WithError(sendErr).WithField("attempts", d.Attempts).Warn("Webhook delivery failed")
	}
	if d.Done() {
		s.recordOutcome(ctx, ep, d.Status == DeliveryStatusSuccess)
	}
}

// finish sets the delivery's status from the result of an attempt
func (s *Service) finish(d *Delivery, code int, elapsed time.Duration, sendErr error, retry bool) {
	now := s.now()
	d.ResponseCode = code
	d.DurationMS = elapsed.Milliseconds()
	d.NextAttemptAt = nil
	switch {
	case sendErr == nil:
		d.Status = DeliveryStatusSuccess
		d.Error = ""
		d.CompletedAt = &now
	case retry && s.retry.ShouldRetry(d.Attempts, sendErr):
		next := now.Add(s.retry.NextRetryDelay(d.Attempts))
		d.Status = DeliveryStatusRetrying
		d.Error = truncate(sendErr.Error())
		d.NextAttemptAt = &next
	default:
		d.Status = DeliveryStatusFailed
		d.Error = truncate(sendErr.Error())
		d.CompletedAt = &now
	}
}

func (s *Service) count(d *Delivery) {
	if s.metrics != nil {
		s.metrics.WebhookDeliveriesSent.WithLabelValues(string(d.Status)).Inc()
	}
}

// send posts the delivery to the endpoint, signed over the exact body sent
func (s *Service) send(ctx context.Context, ep *Endpoint, d *Delivery) (int, time.Duration, error) {
	body, err := renderBody(ep.Format, d.Payload)
	if err != nil {
		return 0, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, string(d.EventType))
	req.Header.Set(HeaderEventID, d.EventID)
	req.Header.Set(HeaderDelivery, d.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(s.now().Unix(), 10))
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, ep.Secret))
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return 0, elapsed, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, elapsed, &StatusError{Code: resp.StatusCode}
	}
	return resp.StatusCode, elapsed, nil
}

// recordOutcome tracks consecutive failed deliveries. Admins hear about it
// at warnStreak and the endpoint is switched off at disableStreak.
func (s *Service) recordOutcome(ctx context.Context, ep *Endpoint, success bool) {
	streak, err := s.store.RecordOutcome(ctx, ep.ID, success)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.WithError(err).WithField("webhook_id", ep.ID).Warn("Failed to record webhook outcome")
		}
		return
	}
	ep.FailureStreak = streak

	switch {
	case streak == warnStreak:
		s.notifyAdmins(ctx, ep, "Webhook deliveries are failing",
			fmt.Sprintf("The last %d deliveries to %s failed.", streak, ep.URL))
	case streak >= disableStreak:
		fresh, err := s.store.GetEndpointByID(ctx, ep.ID)
		if err != nil || !fresh.Active {
			return
		}
		fresh.Active = false
		fresh.UpdatedAt = s.now()
		if err := s.store.UpdateEndpoint(ctx, fresh); err != nil {
			s.logger.WithError(err).WithField("webhook_id", ep.ID).Warn("Failed to disable failing webhook")
			return
		}
		s.logger.WithFields(map[string]interface{}{"webhook_id": ep.ID, "streak": streak}).Warn("Disabled failing webhook")
		s.notifyAdmins(ctx, ep, "Webhook disabled",
			fmt.Sprintf("%s was disabled after %d consecutive failed deliveries.", ep.URL, streak))
	}
}

func (s *Service) notifyAdmins(ctx context.Context, ep *Endpoint, title, body string) {
	if s.notifier == nil || s.directory == nil {
		return
	}
	members, err := s.directory.ListMembers(ctx, ep.OrgID)
	if err != nil {
		s.logger.WithError(err).WithField("org_id", ep.OrgID).Warn("Failed to list members for webhook notice")
		return
	}
	var ids []string
	for _, m := range members {
		if m.Role == auth.RoleOwner || m.Role == auth.RoleAdmin {
			ids = append(ids, m.UserID)
		}
	}
	if len(ids) == 0 {
		return
	}
	err = s.notifier.NotifyMany(ctx, ids, notifications.Notification{
		OrgID: ep.OrgID,
		Kind:  notifications.KindWebhookFailing,
		Title: title,
		Body:  body,
		Link:  fmt.Sprintf("/orgs/%s/webhooks/%s", ep.OrgID, ep.ID),
	})
	if err != nil {
		s.logger.WithError(err).WithField("webhook_id", ep.ID).Warn("Failed to send webhook notice")
	}
}

// RetryDue attempts every delivery whose retry time has passed and returns
// how many were claimed
func (s *Service) RetryDue(ctx context.Context) (int, error) {
	due, err := s.store.ClaimDue(ctx, s.now(), claimLease, claimBatch)
	if err != nil {
		return 0, err
	}
	endpoints := make(map[string]*Endpoint)
	for _, d := range due {
		ep, ok := endpoints[d.EndpointID]
		if !ok {
			ep, err = s.store.GetEndpointByID(ctx, d.EndpointID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return 0, err
			}
			endpoints[d.EndpointID] = ep
		}
		if !ep.Active {
			now := s.now()
			d.Status = DeliveryStatusFailed
			d.Error = "webhook is inactive"
			d.NextAttemptAt = nil
			d.CompletedAt = &now
			if err := s.store.UpdateDelivery(ctx, d); err != nil {
				s.logger.WithError(err).WithField("delivery_id", d.ID).Warn("Failed to close delivery")
			}
			s.count(d)
			continue
		}
		attemptCtx, cancel := context.WithTimeout(ctx, retryAttemptTimeout)
		s.attempt(attemptCtx, ep, d)
		cancel()
	}
	return len(due), nil
}

// Run retries due deliveries every interval until ctx is done
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.RetryDue(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warn("Webhook retry pass failed")
				continue
			}
			if n > 0 {
				s.logger.WithField("count", n).Debug("Retried webhook deliveries")
			}
		}
	}
}

// PublishDesignEvent dispatches a design event in the background
func (s *Service) PublishDesignEvent(ctx context.Context, e designs.Event) {
	data := map[string]interface{}{
		"design_id": e.DesignID,
		"version":   e.Version,
		"user_id":   e.UserID,
	}
	if e.Payload != nil {
		data["design"] = e.Payload
	}
	s.publish(ctx, e.OrgID, EventType(e.Type), data)
}

// PublishReportEvent dispatches a finished report in the background
func (s *Service) PublishReportEvent(ctx context.Context, e reports.Event) {
	if e.Report == nil {
		return
	}
	r := e.Report
	data := map[string]interface{}{
		"report_id": r.ID,
		"design_id": r.DesignID,
		"kind":      r.Kind,
		"format":    r.Format,
		"user_id":   r.RequestedBy,
	}
	if r.Error != "" {
		data["error"] = r.Error
	}
	s.publish(ctx, r.OrgID, EventType(e.Type), data)
}

func (s *Service) publish(ctx context.Context, orgID string, t EventType, data interface{}) {
	if !t.Valid() {
		return
	}
	async.SafeGo(ctx, publishTimeout, "webhooks.dispatch."+string(t), func(ctx context.Context) error {
		return s.Dispatch(ctx, orgID, t, data)
	})
}

func endpointState(ep *Endpoint) map[string]interface{} {
	return map[string]interface{}{
		"url":         ep.URL,
		"events":      ep.Events,
		"format":      ep.Format,
		"description": ep.Description,
		"active":      ep.Active,
	}
}

func truncate(s string) string {
	if len(s) > maxErrorLength {
		return s[:maxErrorLength]
	}
	return s
}
