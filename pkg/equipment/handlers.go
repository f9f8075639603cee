package equipment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/middleware"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/rbac"
	"github.com/platinummonkey/netforge/pkg/storage"
)

const maxCatalogBytes = 2 << 20

// Catalog is what the handlers need from Service
type Catalog interface {
	Create(ctx context.Context, orgID, userID string, in Input) (*Equipment, error)
	Get(ctx context.Context, orgID, id string) (*Equipment, error)
	List(ctx context.Context, orgID string, filter Filter, page Page) (*ListResult, error)
	Update(ctx context.Context, orgID, id string, in Input) (*Equipment, error)
	Delete(ctx context.Context, orgID, id string) error
	ImportYAML(ctx context.Context, orgID, userID string, data []byte) (ImportResult, error)
	UploadDatasheet(ctx context.Context, orgID, id, filename, contentType string, size int64, body io.Reader) (*storage.ObjectInfo, error)
	OpenDatasheet(ctx context.Context, orgID, id string) (io.ReadCloser, *storage.ObjectInfo, error)
}

// Authorizer wraps routes with permission checks
type Authorizer interface {
	RequirePermission(resource rbac.Resource, action rbac.Action, idVar string) func(http.Handler) http.Handler
}

// Handlers serves /api/v1/orgs/{org}/equipment
type Handlers struct {
	catalog Catalog
	authz   Authorizer
	quota   *middleware.QuotaMiddleware
}

// NewHandlers creates equipment handlers. quota may be nil.
func NewHandlers(catalog Catalog, authz Authorizer, quota *middleware.QuotaMiddleware) *Handlers {
	return &Handlers{catalog: catalog, authz: authz, quota: quota}
}

// RegisterRoutes mounts the routes on an org-scoped router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	read := h.authz.RequirePermission(rbac.ResourceEquipment, rbac.ActionRead, "")
	create := h.authz.RequirePermission(rbac.ResourceEquipment, rbac.ActionCreate, "")
	update := h.authz.RequirePermission(rbac.ResourceEquipment, rbac.ActionUpdate, "")
	remove := h.authz.RequirePermission(rbac.ResourceEquipment, rbac.ActionDelete, "")
	quota := func(next http.Handler) http.Handler { return next }
	if h.quota != nil {
		quota = h.quota.Enforce(orgs.ResourceEquipment)
	}

	router.Handle("/equipment", read(http.HandlerFunc(h.list))).Methods(http.MethodGet)
	router.Handle("/equipment", create(quota(http.HandlerFunc(h.create)))).Methods(http.MethodPost)
	router.Handle("/equipment/import", create(http.HandlerFunc(h.importCatalog))).Methods(http.MethodPost)
	router.Handle("/equipment/{equipmentID}", read(http.HandlerFunc(h.get))).Methods(http.MethodGet)
	router.Handle("/equipment/{equipmentID}", update(http.HandlerFunc(h.update))).Methods(http.MethodPut)
	router.Handle("/equipment/{equipmentID}", remove(http.HandlerFunc(h.delete))).Methods(http.MethodDelete)
	router.Handle("/equipment/{equipmentID}/datasheet", update(http.HandlerFunc(h.uploadDatasheet))).Methods(http.MethodPut)
	router.Handle("/equipment/{equipmentID}/datasheet", read(http.HandlerFunc(h.downloadDatasheet))).Methods(http.MethodGet)
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
	var invalid *InvalidError
	if errors.As(err, &invalid) {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "validation failed",
			"status":   http.StatusBadRequest,
			"problems": invalid.Problems,
		})
		return
	}
	if status := statusFor(err); status != 0 {
		httputil.WriteError(w, status, err.Error())
		return
	}
	httputil.WriteServiceError(w, r, err)
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	page, ok := httputil.ParsePageOrError(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	res, err := h.catalog.List(r.Context(), orgID, Filter{
		Vendor:   q.Get("vendor"),
		Category: Category(q.Get("category")),
		Search:   q.Get("q"),
	}, Page{Limit: page.Limit, Offset: page.Offset})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	var in Input
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	e, err := h.catalog.Create(r.Context(), orgID, userID, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, e)
}

func (h *Handlers) importCatalog(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCatalogBytes+1))
	if err != nil {
		httputil.WriteBadRequest(w, "could not read request body")
		return
	}
	if len(data) > maxCatalogBytes {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "catalog is too large")
		return
	}
	res, err := h.catalog.ImportYAML(r.Context(), orgID, userID, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	e, err := h.catalog.Get(r.Context(), orgID, mux.Vars(r)["equipmentID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, e)
}

func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	var in Input
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	e, err := h.catalog.Update(r.Context(), orgID, mux.Vars(r)["equipmentID"], in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, e)
}

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.catalog.Delete(r.Context(), orgID, mux.Vars(r)["equipmentID"]); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) uploadDatasheet(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxDatasheetBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		httputil.WriteBadRequest(w, "expected a multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteBadRequest(w, "file field is required")
		return
	}
	defer file.Close()

	info, err := h.catalog.UploadDatasheet(r.Context(), orgID, mux.Vars(r)["equipmentID"],
		header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"size": info.Size, "checksum": info.Checksum})
}

func (h *Handlers) downloadDatasheet(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["equipmentID"]
	rc, info, err := h.catalog.OpenDatasheet(r.Context(), orgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="datasheet-%s.pdf"`, id))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}
