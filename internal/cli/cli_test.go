package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chainchat/internal/auth"
	"github.com/pliu/chainchat/internal/config"
	"github.com/pliu/chainchat/internal/health"
	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/ws"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "chainchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "reconcile", "health"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestReconcileWithoutLedger(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite3
  dsn: ":memory:"
log:
  level: error
`)
	out, err := run(t, "--config", path, "reconcile", "--dry-run", "--skip-content-validation")
	require.NoError(t, err)

	var result models.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Success)
	assert.True(t, result.DryRun)
	assert.Contains(t, result.Warnings, "message sync skipped: no ledger configured")
}

func TestReconcileRejectsBadConfig(t *testing.T) {
	path := writeConfig(t, `
ledger:
  contractAddress: "0x00000000000000000000000000000000000000a1"
`)
	_, err := run(t, "--config", path, "reconcile")
	assert.Error(t, err)
}

func TestHealthWithoutLedger(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer gateway.Close()

	path := writeConfig(t, fmt.Sprintf(`
database:
  driver: sqlite3
  dsn: ":memory:"
content:
  gateways:
    - %s/ipfs/
log:
  level: error
`, gateway.URL))
	out, err := run(t, "--config", path, "health")
	require.NoError(t, err)

	var report health.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Blockchain)
	assert.True(t, report.IPFS)
	assert.True(t, report.Database)
	assert.False(t, report.Queue)
	assert.Equal(t, health.StatusDegraded, report.Status)
}

func TestServeRequiresSessionSecret(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite3
  dsn: ":memory:"
`)
	_, err := run(t, "--config", path, "serve")
	assert.ErrorContains(t, err, "sessionSecret")
}

func TestRouterProtectsConversations(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = ":memory:"
	cfg.Server.SessionSecret = "secret"
	cfg.Server.AdminToken = "admin-token"

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	srv := httptest.NewServer(a.router(ws.NewHub(a.store), auth.NewSessions("secret", time.Hour)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/conversations")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/participants/search?q=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := `{"dryRun":true,"skipIPFSValidation":true}`
	resp, err = http.Post(srv.URL+"/admin/reconcile", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest("POST", srv.URL+"/admin/reconcile", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer admin-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
