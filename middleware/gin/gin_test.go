package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
	"github.com/mihaimyh/creditledger/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

func setupService(t *testing.T, credits int64) (*billing.Service, *ledger.Engine) {
	t.Helper()
	store := memory.New()
	engine, err := ledger.NewEngine(store, ledger.Config{})
	require.NoError(t, err)

	svc, err := billing.NewService(billing.ServiceConfig{
		Engine: engine,
		Store:  store,
		Authorizer: billing.NewStaticMemberships(map[string]map[string]billing.Role{
			"org1": {"user1": billing.RoleMember},
		}),
	})
	require.NoError(t, err)

	if credits > 0 {
		_, err = engine.Grant(context.Background(), ledger.GrantRequest{
			OrganizationID: "org1",
			Amount:         credits,
			Source:         ledger.BonusCredit{PromotionID: "test"},
		})
		require.NoError(t, err)
	}
	return svc, engine
}

func setupRouter(cfg Config) *gongin.Engine {
	r := gongin.New()
	r.POST("/orgs/:orgID/generate", Middleware(cfg), func(c *gongin.Context) {
		c.JSON(http.StatusOK, gongin.H{"balance": c.MustGet(BalanceKey)})
	})
	return r
}

func defaultConfig(svc *billing.Service) Config {
	return Config{
		Service:           svc,
		GetUserID:         FromHeader("X-User-ID"),
		GetOrganizationID: OrganizationFromParam("orgID"),
		GetAmount:         QueryCost("cost", 1),
	}
}

func perform(r http.Handler, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		userID    string
		wantCode  int
		wantError string
	}{
		{"charged", "/orgs/org1/generate?cost=4", "user1", http.StatusOK, ""},
		{"default cost", "/orgs/org1/generate", "user1", http.StatusOK, ""},
		{"insufficient", "/orgs/org1/generate?cost=50", "user1", http.StatusPaymentRequired, "Insufficient credits"},
		{"not a member", "/orgs/org1/generate", "user2", http.StatusForbidden, "Forbidden"},
		{"other organization", "/orgs/org2/generate", "user1", http.StatusForbidden, "Forbidden"},
		{"anonymous", "/orgs/org1/generate", "", http.StatusUnauthorized, "Unauthorized"},
		{"bad cost", "/orgs/org1/generate?cost=abc", "user1", http.StatusBadRequest, "Bad Request"},
		{"zero cost", "/orgs/org1/generate?cost=0", "user1", http.StatusBadRequest, "Bad Request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := setupService(t, 10)
			rec := perform(setupRouter(defaultConfig(svc)), tt.path, tt.userID)
			assert.Equal(t, tt.wantCode, rec.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, body["error"])
			}
		})
	}
}

func TestMiddleware_ChargesAndExposesBalance(t *testing.T) {
	svc, engine := setupService(t, 10)
	rec := perform(setupRouter(defaultConfig(svc)), "/orgs/org1/generate?cost=4", "user1")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "6", rec.Header().Get("X-Credits-Remaining"))
	assert.Equal(t, "4", rec.Header().Get("X-Credits-Charged"))
	assert.JSONEq(t, `{"balance":6}`, rec.Body.String())

	page, err := engine.ListTransactions(context.Background(), "org1", ledger.TransactionQuery{})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	used := page.Transactions[0]
	assert.Equal(t, ledger.TransactionUsed, used.Type)
	assert.Equal(t, int64(-4), used.Amount)
	assert.Equal(t, "/orgs/:orgID/generate", used.Metadata.ServiceUsed)
}

func TestMiddleware_InsufficientBody(t *testing.T) {
	svc, _ := setupService(t, 3)
	rec := perform(setupRouter(defaultConfig(svc)), "/orgs/org1/generate?cost=5", "user1")

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"error":"Insufficient credits","balance":3,"required":5}`, rec.Body.String())
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	svc, _ := setupService(t, 1)
	cfg := defaultConfig(svc)
	cfg.OnInsufficientCredits = func(c *gongin.Context, balance, required int64) {
		c.JSON(http.StatusTooManyRequests, gongin.H{"short": required - balance})
	}
	cfg.OnError = func(c *gongin.Context, err error) {
		c.String(http.StatusUnprocessableEntity, err.Error())
	}
	r := setupRouter(cfg)

	rec := perform(r, "/orgs/org1/generate?cost=5", "user1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"short":4}`, rec.Body.String())

	rec = perform(r, "/orgs/org1/generate?cost=x", "user1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid cost")
}

func TestMiddleware_AbortsChain(t *testing.T) {
	svc, _ := setupService(t, 0)
	reached := false
	r := gongin.New()
	r.Use(Middleware(Config{
		Service:           svc,
		GetUserID:         FromContext("UserID"),
		GetOrganizationID: OrganizationFromHeader("X-Org-ID"),
		GetAmount: DynamicCost(func(*gongin.Context) int64 {
			return 1
		}),
		OnError: func(c *gongin.Context, err error) {
			c.Status(http.StatusInternalServerError)
		},
	}))
	r.GET("/", func(c *gongin.Context) { reached = true })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, reached)
}

func TestMiddleware_IdempotencyFromContext(t *testing.T) {
	svc, engine := setupService(t, 10)
	cfg := defaultConfig(svc)
	cfg.GetIdempotencyKey = IdempotencyKeyFromContext("requestKey")

	r := gongin.New()
	r.Use(func(c *gongin.Context) {
		c.Set("requestKey", c.GetHeader("X-Retry-Of"))
		c.Next()
	})
	r.POST("/orgs/:orgID/generate", Middleware(cfg), func(c *gongin.Context) {
		c.Status(http.StatusNoContent)
	})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/orgs/org1/generate?cost=2", nil)
		req.Header.Set("X-User-ID", "user1")
		req.Header.Set("X-Retry-Of", "job-7")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	bal, err := engine.GetBalance(context.Background(), "org1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), bal.Balance)
}

func TestMiddleware_RequiresConfig(t *testing.T) {
	svc, _ := setupService(t, 0)
	assert.Panics(t, func() { Middleware(Config{}) })
	assert.Panics(t, func() { Middleware(Config{Service: svc}) })
	assert.Panics(t, func() {
		Middleware(Config{Service: svc, GetUserID: FromHeader("X-User-ID")})
	})
	assert.Panics(t, func() {
		Middleware(Config{
			Service:           svc,
			GetUserID:         FromHeader("X-User-ID"),
			GetOrganizationID: OrganizationFromParam("orgID"),
		})
	})
	assert.NotPanics(t, func() { Middleware(defaultConfig(svc)) })
}

func TestExtractors(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gongin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/x?user=q-user&cost=7", nil)
	c.Params = gongin.Params{{Key: "id", Value: "p-user"}}
	c.Set("uid", "ctx-user")

	assert.Equal(t, "q-user", FromQuery("user")(c))
	assert.Equal(t, "p-user", FromParam("id")(c))
	assert.Equal(t, "ctx-user", FromContext("uid")(c))
	assert.Equal(t, "", FromContext("missing")(c))

	n, err := QueryCost("cost", 1)(c)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	n, err = FixedAmount(3)(c)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = QueryCost("user", 1)(c)
	assert.Error(t, err)
}
