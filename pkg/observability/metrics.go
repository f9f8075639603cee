package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Domain metrics
	DesignsCreatedTotal   prometheus.Counter
	DesignMutationsTotal  *prometheus.CounterVec
	SubnetAllocations     *prometheus.CounterVec
	ReportsRenderedTotal  *prometheus.CounterVec
	ReportRenderDuration  *prometheus.HistogramVec
	UploadBytesTotal      prometheus.Counter
	CollabConnections     prometheus.Gauge
	CollabMessagesTotal   *prometheus.CounterVec
	NotificationsSent     *prometheus.CounterVec
	BillingSyncRunsTotal  *prometheus.CounterVec
	BillingWebhooksTotal  *prometheus.CounterVec
	QuotaRejectionsTotal  *prometheus.CounterVec
	RateLimitedTotal      prometheus.Counter
	WebhookDeliveriesSent *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netforge_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "netforge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netforge_cache_hits_total",
			Help: "Design cache hits by tier",
		}, []string{"tier"}),
		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netforge_cache_misses_total",
			Help: "Design cache misses by tier",
		}, []string{"tier"}),

		DesignsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netforge_designs_created_total",
			Help: "Network designs created",
		}),
		DesignMutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netforge_design_mutations_total",
			Help: "Design mutations by operation",
		}, []string{"operation"}),
		SubnetAllocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netforge_subnet_allocations_total",
			Help: "Subnet and VLAN allocation attempts",
		}, []string{"kind", "result"}),
		ReportsRenderedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netforge_reports_rendered_total",
			Help: "Reports rendered by kind, format and result",
		}, []string{"kind", "format", "result"}),
		ReportRenderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "netforge_report_render_duration_seconds",
			Help:    "Time spent rendering a report",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"format"}),
		UploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netforge_upload_bytes_total",
			Help: "Bytes accepted through attachment uploads",
		}),
		CollabConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netforge_collab_connections",
			Help: "Open collaboration websocket connections",
		}),
		CollabMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netforge_collab_messages_total",
			Help: "Collaboration messages by type and direction",
		}, []string{"type", "direction"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netforge_notifications_total",
			Help: "Notifications created by kind",
		}, []string{"kind"}),
		BillingSyncRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netforge_billing_sync_runs_total",
			Help: "Billing plan sync runs by result",
		}, []string{"result"}),
		BillingWebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netforge_billing_webhooks_total",
			Help: "Payment provider webhook events by type",
		}, []string{"event_type", "result"}),
		QuotaRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netforge_quota_rejections_total",
			Help: "Requests rejected by quota or plan gating",
		}, []string{"resource"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netforge_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		WebhookDeliveriesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netforge_webhook_deliveries_total",
			Help: "Outbound webhook deliveries by result",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DesignsCreatedTotal,
		m.DesignMutationsTotal,
		m.SubnetAllocations,
		m.ReportsRenderedTotal,
		m.ReportRenderDuration,
		m.UploadBytesTotal,
		m.CollabConnections,
		m.CollabMessagesTotal,
		m.NotificationsSent,
		m.BillingSyncRunsTotal,
		m.BillingWebhooksTotal,
		m.QuotaRejectionsTotal,
		m.RateLimitedTotal,
		m.WebhookDeliveriesSent,
	)

	return m
}

// NewTestMetrics returns metrics on a private registry
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// statusRecorder captures the response status. It forwards Hijack so
// websocket upgrades pass through the metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HTTPMetricsMiddleware records request count and latency labelled by the
// mux route template so path parameters do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
