package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/creditledger/pkg/billing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "@every 1h", cfg.Sweeper.Schedule)
	assert.True(t, cfg.Sweeper.Enabled)
	assert.Equal(t, "creditledger", cfg.Metrics.Namespace)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: redis
redis:
  addr: cache:6379
  key_prefix: "tenant:"
sweeper:
  schedule: "*/5 * * * *"
memberships:
  org1:
    alice: owner
    bob: Member
catalog:
  packages:
    - id: mini
      name: Mini
      credits: 50
      price: 199
      stripe_price_id: price_mini
      active: true
`)
	t.Setenv("CREDITLEDGER_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("CREDITLEDGER_STRIPE_API_KEY", "sk_test_123")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "tenant:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "sk_test_123", cfg.Stripe.APIKey)
	assert.Equal(t, "*/5 * * * *", cfg.Sweeper.Schedule)

	ctx := context.Background()
	memberships := cfg.BuildMemberships()
	role, err := memberships.HasOrgRole(ctx, "org1", "bob")
	require.NoError(t, err)
	assert.Equal(t, billing.RoleMember, role)

	catalog := cfg.BuildCatalog()
	pkg, err := catalog.Package(ctx, "mini")
	require.NoError(t, err)
	assert.Equal(t, int64(50), pkg.Credits)
	assert.Equal(t, "price_mini", pkg.StripePriceID)

	// plans fall back to the built-in set
	plans, err := catalog.Plans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 3)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown driver", "storage:\n  driver: sqlite\n", "unknown storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "postgres.dsn"},
		{"firestore without project", "storage:\n  driver: firestore\n", "firestore.project_id"},
		{"bad role", "memberships:\n  org1:\n    eve: root\n", "unknown role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	cfg.Log.Level = "verbose"
	_, err = newLogger(cfg)
	assert.Error(t, err)

	cfg.Log.Level = "debug"
	cfg.Log.Format = "xml"
	_, err = newLogger(cfg)
	assert.Error(t, err)

	cfg.Log.Format = "console"
	_, err = newLogger(cfg)
	assert.NoError(t, err)
}

func TestCatalogCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"catalog"})
	require.NoError(t, root.Execute())

	text := out.String()
	assert.Contains(t, text, "starter")
	assert.Contains(t, text, "79.00")
	assert.Contains(t, text, "credits_5000")

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"catalog", "--json"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"credits_included": 5000`)
	assert.NotContains(t, out.String(), "price_pro_monthly")
}

func TestServeRouter(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "log:\n  level: error\nmemberships:\n  org1:\n    alice: owner\n"))
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	router, err := a.router()
	require.NoError(t, err)
	for path, want := range map[string]int{
		"/healthz":           204,
		"/metrics":           200,
		"/plans":             200,
		"/orgs/org1/balance": 401,
	} {
		rec := serveGet(router, path)
		assert.Equal(t, want, rec.Code, path)
	}
}

func serveGet(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}
