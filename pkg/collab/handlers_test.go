package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/designs"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/rbac"
)

type memberRoles map[string]auth.Role

func (m memberRoles) GetMember(_ context.Context, orgID, userID string) (*orgs.OrgMember, error) {
	role, ok := m[userID]
	if !ok {
		return nil, orgs.ErrMemberNotFound
	}
	return &orgs.OrgMember{OrgID: orgID, UserID: userID, Role: role}, nil
}

type designSet map[string]bool

func (d designSet) Get(_ context.Context, orgID, id string) (*designs.Design, error) {
	if !d[id] {
		return nil, designs.ErrNotFound
	}
	return &designs.Design{}, nil
}

func newLiveRouter(hub *Hub) *mux.Router {
	checker := rbac.NewChecker(memberRoles{"vera": auth.RoleViewer, "dan": auth.RoleDesigner}, nil, rbac.CheckerConfig{})
	router := mux.NewRouter()
	orgRouter := router.PathPrefix("/api/v1/orgs/{orgID}").Subrouter()
	orgRouter.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if uid := r.Header.Get("X-Test-User"); uid != "" {
				ctx = auth.WithAuthContext(ctx, &auth.AuthContext{User: &auth.User{ID: uid}})
			}
			tier := orgs.PlanTier(r.Header.Get("X-Test-Plan"))
			ctx = orgs.WithOrganization(ctx, &orgs.Organization{ID: mux.Vars(r)["orgID"], PlanTier: tier}, nil)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	NewHandlers(hub, designSet{"d1": true}, checker, nil).RegisterRoutes(orgRouter)
	return router
}

func TestLiveEndpointRejections(t *testing.T) {
	router := newLiveRouter(NewHub(HubConfig{}))

	cases := map[string]struct {
		user, plan, design string
		want               int
	}{
		"anonymous":      {"", "pro", "d1", http.StatusUnauthorized},
		"non member":     {"mallory", "pro", "d1", http.StatusForbidden},
		"free tier":      {"vera", "free", "d1", http.StatusPaymentRequired},
		"unknown design": {"vera", "pro", "nope", http.StatusNotFound},
		"not an upgrade": {"vera", "enterprise", "d1", http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/orgs/org1/designs/"+tc.design+"/live", nil)
			if tc.user != "" {
				req.Header.Set("X-Test-User", tc.user)
			}
			req.Header.Set("X-Test-Plan", tc.plan)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			if tc.want == http.StatusPaymentRequired {
				assert.Contains(t, rec.Body.String(), `"required_plan":"pro"`)
				assert.Contains(t, rec.Body.String(), `"current_plan":"free"`)
			}
		})
	}
}

func TestLiveEndpointUpgrades(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewHub(HubConfig{})
	srv := httptest.NewServer(newLiveRouter(hub))
	defer srv.Close()
	defer hub.Close()

	header := http.Header{}
	header.Set("X-Test-User", "dan")
	header.Set("X-Test-Plan", "pro")
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/orgs/org1/designs/d1/live"
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	awaitPresence(t, conn, "dan")
	assert.Equal(t, 1, hub.RoomSize("d1"))
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.Nil(t, originChecker(nil))
	assert.True(t, originChecker([]string{"*"})(req("https://evil.example")))

	check := originChecker([]string{"https://app.netforge.io/", "http://localhost:3000"})
	assert.True(t, check(req("https://APP.netforge.io")))
	assert.True(t, check(req("http://localhost:3000")))
	assert.True(t, check(req("")))
	assert.False(t, check(req("https://app.netforge.io.evil.example")))
	assert.False(t, check(req("http://localhost:4000")))
}
