package cli

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
equipment:
  - vendor: Arista
    model: 7050SX3-48YC8
    category: switch
    port_count: 56
    rack_units: 1
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestEquipmentImport(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"updated":0}`))
	}))
	defer srv.Close()

	path := writeCatalog(t, testCatalog)
	out, err := execute(t, "equipment", "import", "acme", path, "--api-url", srv.URL+"/", "--token", "nf_abc")
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/orgs/acme/equipment/import", gotPath)
	assert.Equal(t, "Bearer nf_abc", gotAuth)
	assert.Equal(t, testCatalog, gotBody)
	assert.Equal(t, "Imported catalog into acme: 1 created, 0 updated\n", out)
}

func TestEquipmentImportAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"insufficient permissions","status":403}`))
	}))
	defer srv.Close()

	_, err := execute(t, "equipment", "import", "acme", writeCatalog(t, testCatalog), "--api-url", srv.URL, "--token", "nf_abc")
	assert.ErrorContains(t, err, "import failed (403): insufficient permissions")
}

func TestEquipmentImportValidatesLocally(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit = true }))
	defer srv.Close()

	_, err := execute(t, "equipment", "import", "acme", writeCatalog(t, "equipment:\n  - model: nameless\n"), "--api-url", srv.URL, "--token", "nf_abc")
	assert.Error(t, err)
	assert.False(t, hit)

	out, err := execute(t, "equipment", "import", "acme", writeCatalog(t, testCatalog), "--validate-only")
	require.NoError(t, err)
	assert.Equal(t, "catalog is valid\n", out)
}

func TestEquipmentImportRequiresToken(t *testing.T) {
	t.Setenv("NETFORGE_TOKEN", "")
	_, err := execute(t, "equipment", "import", "acme", writeCatalog(t, testCatalog), "--token", "")
	assert.ErrorContains(t, err, "API token is required")
}

func TestEquipmentImportMissingFile(t *testing.T) {
	_, err := execute(t, "equipment", "import", "acme", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read catalog")
}
