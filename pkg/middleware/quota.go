package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/netforge/pkg/async"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// usageUpdateTimeout bounds the background usage counter updates
const usageUpdateTimeout = 5 * time.Second

// QuotaMiddleware enforces plan quotas on creating routes.
// Must run after OrgContextMiddleware; without an org in context it is a no-op.
type QuotaMiddleware struct {
	checker orgs.QuotaChecker
	metrics *observability.Metrics
}

// NewQuotaMiddleware creates a new QuotaMiddleware. metrics may be nil.
func NewQuotaMiddleware(checker orgs.QuotaChecker, metrics *observability.Metrics) *QuotaMiddleware {
	return &QuotaMiddleware{checker: checker, metrics: metrics}
}

// QuotaExceededResponse is the 429 body for quota rejections
type QuotaExceededResponse struct {
	Error    string        `json:"error"`
	Status   int           `json:"status"`
	Resource orgs.Resource `json:"resource"`
	Current  int64         `json:"current"`
	Limit    int64         `json:"limit"`
	Plan     orgs.PlanTier `json:"plan"`
}

// Enforce checks resource before letting a mutating request through.
// Storage is checked against the declared Content-Length; upload handlers
// recheck the real size.
func (m *QuotaMiddleware) Enforce(resource orgs.Resource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isReadOnly(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			org, ok := orgs.FromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if err := m.check(r.Context(), org.ID, resource, r.ContentLength); err != nil {
				m.reject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *QuotaMiddleware) check(ctx context.Context, orgID string, resource orgs.Resource, contentLength int64) error {
	switch resource {
	case orgs.ResourceDesigns:
		return m.checker.CheckDesignQuota(ctx, orgID)
	case orgs.ResourceEquipment:
		return m.checker.CheckEquipmentQuota(ctx, orgID, 1)
	case orgs.ResourceStorage:
		if contentLength < 0 {
			contentLength = 0
		}
		return m.checker.CheckStorageQuota(ctx, orgID, contentLength)
	case orgs.ResourceReports:
		return m.checker.CheckReportQuota(ctx, orgID)
	default:
		return nil
	}
}

func (m *QuotaMiddleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	var qe *orgs.QuotaExceededError
	if !errors.As(err, &qe) {
		httputil.WriteInternalError(w, r, err)
		return
	}
	if m.metrics != nil {
		m.metrics.QuotaRejectionsTotal.WithLabelValues(string(qe.Resource)).Inc()
	}
	WriteQuotaExceeded(w, qe)
}

// WriteQuotaExceeded writes the 429 quota body
func WriteQuotaExceeded(w http.ResponseWriter, qe *orgs.QuotaExceededError) {
	httputil.WriteJSON(w, http.StatusTooManyRequests, QuotaExceededResponse{
		Error:    qe.Error(),
		Status:   http.StatusTooManyRequests,
		Resource: qe.Resource,
		Current:  qe.Current,
		Limit:    qe.Limit,
		Plan:     qe.Tier,
	})
}

// TrackUsage adjusts a usage counter in the background so the response is
// not held up by the write. Negative deltas decrement.
func TrackUsage(ctx context.Context, tracker orgs.UsageTracker, orgID string, resource orgs.Resource, delta int64) {
	if tracker == nil || delta == 0 {
		return
	}
	async.SafeGo(ctx, usageUpdateTimeout, "track "+string(resource)+" usage", func(ctx context.Context) error {
		return adjustUsage(ctx, tracker, orgID, resource, delta)
	})
}

func adjustUsage(ctx context.Context, tracker orgs.UsageTracker, orgID string, resource orgs.Resource, delta int64) error {
	switch resource {
	case orgs.ResourceDesigns:
		if delta < 0 {
			return tracker.DecrementDesigns(ctx, orgID, -delta)
		}
		return tracker.IncrementDesigns(ctx, orgID, delta)
	case orgs.ResourceEquipment:
		if delta < 0 {
			return tracker.DecrementEquipment(ctx, orgID, -delta)
		}
		return tracker.IncrementEquipment(ctx, orgID, delta)
	case orgs.ResourceStorage:
		if delta < 0 {
			return tracker.DecrementStorage(ctx, orgID, -delta)
		}
		return tracker.IncrementStorage(ctx, orgID, delta)
	case orgs.ResourceReports:
		return tracker.IncrementReports(ctx, orgID)
	default:
		return nil
	}
}
