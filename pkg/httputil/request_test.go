package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid", func(t *testing.T) {
		var p payload
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"core"}`))
		require.NoError(t, ParseJSON(r, &p))
		assert.Equal(t, "core", p.Name)
	})

	t.Run("empty body", func(t *testing.T) {
		var p payload
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		err := ParseJSON(r, &p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty")
	})

	t.Run("malformed writes 400", func(t *testing.T) {
		var p payload
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
		assert.False(t, ParseJSONOrError(w, r, &p))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPathVar(t *testing.T) {
	r := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"org": "acme"})

	v, err := PathVar(r, "org")
	require.NoError(t, err)
	assert.Equal(t, "acme", v)

	w := httptest.NewRecorder()
	_, ok := PathVarOrError(w, r, "id")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePage(t *testing.T) {
	tests := []struct {
		query   string
		want    Page
		wantErr bool
	}{
		{"", Page{Limit: DefaultPageLimit}, false},
		{"limit=10&offset=20", Page{Limit: 10, Offset: 20}, false},
		{"limit=5000", Page{Limit: MaxPageLimit}, false},
		{"limit=0", Page{Limit: DefaultPageLimit}, false},
		{"offset=-1", Page{}, true},
		{"limit=ten", Page{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			got, err := ParsePage(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryHelpers(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?unread=true&kind=+ip_plan+&bad=maybe", nil)

	b, err := ParseQueryBool(r, "unread", false)
	require.NoError(t, err)
	assert.True(t, b)

	_, err = ParseQueryBool(r, "bad", false)
	assert.Error(t, err)

	assert.Equal(t, "ip_plan", ParseQueryString(r, "kind", ""))
	assert.Equal(t, "html", ParseQueryString(r, "format", "html"))
}

func TestRequireNonEmpty(t *testing.T) {
	w := httptest.NewRecorder()
	assert.False(t, RequireNonEmpty(w, "   ", "name"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "name is required")

	assert.True(t, RequireNonEmpty(httptest.NewRecorder(), "core", "name"))
}
