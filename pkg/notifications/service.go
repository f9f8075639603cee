package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/netforge/pkg/async"
	"github.com/platinummonkey/netforge/pkg/observability"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxTitleLength   = 200
)

// Pusher delivers a message to every live connection of a user
type Pusher interface {
	PushToUser(userID, msgType string, payload interface{})
}

// Service creates notifications and fans them out
type Service struct {
	store   Store
	pool    *async.WorkerPool
	pusher  Pusher
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// NewService creates a notification service. pool, pusher and metrics may be
// nil; without a pool NotifyMany runs inline.
func NewService(store Store, pool *async.WorkerPool, pusher Pusher, metrics *observability.Metrics, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		store:   store,
		pool:    pool,
		pusher:  pusher,
		metrics: metrics,
		logger:  logger.WithField("component", "notifications"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetPusher attaches the live delivery channel once it exists
func (s *Service) SetPusher(p Pusher) { s.pusher = p }

// Notify stores n and pushes it to the user's open connections
func (s *Service) Notify(ctx context.Context, n *Notification) error {
	if n.UserID == "" {
		return fmt.Errorf("notification user is required")
	}
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" || n.Kind == "" {
		return fmt.Errorf("notification kind and title are required")
	}
	if len(n.Title) > maxTitleLength {
		n.Title = n.Title[:maxTitleLength]
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.Read = false

	if err := s.store.Create(ctx, n); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.NotificationsSent.WithLabelValues(n.Kind).Inc()
	}
	if s.pusher != nil {
		s.pusher.PushToUser(n.UserID, PushType, n)
	}
	return nil
}

// NotifyMany sends a copy of tmpl to each user. With a worker pool the
// copies are queued and NotifyMany returns once they are accepted.
func (s *Service) NotifyMany(ctx context.Context, userIDs []string, tmpl Notification) error {
	seen := make(map[string]bool, len(userIDs))
	var errs []error
	for _, uid := range userIDs {
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true

		n := tmpl
		n.ID = ""
		n.UserID = uid
		if s.pool == nil {
			if err := s.Notify(ctx, &n); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		err := s.pool.Submit(ctx, func(taskCtx context.Context) error {
			if err := s.Notify(taskCtx, &n); err != nil {
				s.logger.WithError(err).WithField("user_id", n.UserID).Warn("failed to deliver notification")
				return err
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to queue notification for %s: %w", uid, err))
		}
	}
	return errors.Join(errs...)
}

// List returns a page of the user's notifications
func (s *Service) List(ctx context.Context, userID string, opts ListOptions) ([]*Notification, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return s.store.List(ctx, userID, opts)
}

// MarkRead marks one notification read
func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	return s.store.MarkRead(ctx, userID, id)
}

// MarkAllRead marks all of the user's notifications read
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.store.MarkAllRead(ctx, userID)
}

// UnreadCount returns the user's unread count
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.store.UnreadCount(ctx, userID)
}

// Delete removes one notification
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	return s.store.Delete(ctx, userID, id)
}

// Prune deletes read notifications older than retention
func (s *Service) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.DeleteOlderThan(ctx, s.now().Add(-retention))
}
