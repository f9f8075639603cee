package reports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/rbac"
)

// Reporter is what the handlers need from Service
type Reporter interface {
	Request(ctx context.Context, orgID, designID, userID string, tier orgs.PlanTier, req Request) (*Report, error)
	Get(ctx context.Context, orgID, designID, id string) (*Report, error)
	List(ctx context.Context, orgID, designID string, limit int) ([]*Report, error)
	Open(ctx context.Context, orgID, designID, id string) (io.ReadCloser, *Report, error)
}

// Authorizer wraps routes with permission checks
type Authorizer interface {
	RequirePermission(resource rbac.Resource, action rbac.Action, idVar string) func(http.Handler) http.Handler
}

// Handlers serves the report routes under a design
type Handlers struct {
	reports Reporter
	authz   Authorizer
}

// NewHandlers creates report handlers
func NewHandlers(reports Reporter, authz Authorizer) *Handlers {
	return &Handlers{reports: reports, authz: authz}
}

// RegisterRoutes mounts the routes on an org-scoped router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	read := h.authz.RequirePermission(rbac.ResourceReport, rbac.ActionRead, "")
	create := h.authz.RequirePermission(rbac.ResourceReport, rbac.ActionCreate, "")

	base := "/designs/{designID}/reports"
	router.Handle(base, create(http.HandlerFunc(h.request))).Methods(http.MethodPost)
	router.Handle(base, read(http.HandlerFunc(h.list))).Methods(http.MethodGet)
	router.Handle(base+"/{reportID}", read(http.HandlerFunc(h.get))).Methods(http.MethodGet)
	router.Handle(base+"/{reportID}/download", read(http.HandlerFunc(h.download))).Methods(http.MethodGet)
}

func caller(w http.ResponseWriter, r *http.Request) (userID, orgID string, ok bool) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return "", "", false
	}
	org, ok := orgs.FromContext(r.Context())
	if !ok {
		httputil.WriteForbidden(w, "organization context required")
		return "", "", false
	}
	return ac.User.ID, org.ID, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrPDFTier) {
		httputil.WritePaymentRequired(w, err.Error(), string(orgs.PlanPro), string(orgs.TierFromContext(r.Context())))
		return
	}
	if status := statusFor(err); status != 0 {
		httputil.WriteError(w, status, err.Error())
		return
	}
	httputil.WriteServiceError(w, r, err)
}

func (h *Handlers) request(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	var req Request
	if r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}
	designID := mux.Vars(r)["designID"]
	rep, err := h.reports.Request(r.Context(), orgID, designID, userID, orgs.TierFromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/orgs/%s/designs/%s/reports/%s", orgID, designID, rep.ID))
	httputil.WriteAccepted(w, rep)
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultListLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	out, err := h.reports.List(r.Context(), orgID, mux.Vars(r)["designID"], limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"reports": out})
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	rep, err := h.reports.Get(r.Context(), orgID, vars["designID"], vars["reportID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rep)
}

func (h *Handlers) download(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	rc, rep, err := h.reports.Open(r.Context(), orgID, vars["designID"], vars["reportID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	disposition := "inline"
	if rep.Format == FormatPDF {
		disposition = "attachment"
	}
	w.Header().Set("Content-Type", rep.Format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`%s; filename="%s"`, disposition, rep.Filename()))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if rep.SizeBytes > 0 {
		w.Header().Set("Content-Length", fmt.Sprint(rep.SizeBytes))
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}
