package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
	"github.com/mihaimyh/creditledger/storage/memory"
)

// errorStorage is a mock storage that fails every ledger write
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) UpdateLedger(context.Context, string, ledger.MutateFunc) error {
	return errors.New("connection refused")
}

// Test helper to create a service over the given ledger storage
func setupTestService(t *testing.T, storage ledger.Storage, store billing.Store) (*billing.Service, *ledger.Engine) {
	t.Helper()

	engine, err := ledger.NewEngine(storage, ledger.Config{})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	svc, err := billing.NewService(billing.ServiceConfig{
		Engine: engine,
		Store:  store,
		Authorizer: billing.NewStaticMemberships(map[string]map[string]billing.Role{
			"org1": {"user1": billing.RoleAdmin},
		}),
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return svc, engine
}

// Test helper to fund org1
func grantCredits(t *testing.T, engine *ledger.Engine, amount int64) {
	t.Helper()

	_, err := engine.Grant(context.Background(), ledger.GrantRequest{
		OrganizationID: "org1",
		Amount:         amount,
		Description:    "Monthly credits",
		Source:         ledger.SubscriptionCredit{SubscriptionID: "sub_1"},
	})
	if err != nil {
		t.Fatalf("Failed to grant credits: %v", err)
	}
}

func newEcho(cfg Config) *echo.Echo {
	e := echo.New()
	g := e.Group("/orgs/:orgID", Middleware(cfg))
	g.POST("/render", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"balance": c.Get(BalanceKey)})
	})
	return e
}

func testConfig(svc *billing.Service) Config {
	return Config{
		Service:           svc,
		GetUserID:         FromHeader("X-User-ID"),
		GetOrganizationID: OrganizationFromParam("orgID"),
		GetAmount:         FixedAmount(5),
	}
}

func serve(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orgs/org1/render", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	storage := memory.New()
	svc, engine := setupTestService(t, storage, storage)
	grantCredits(t, engine, 12)

	rec := serve(newEcho(testConfig(svc)), "user1")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Credits-Remaining"); got != "7" {
		t.Errorf("Expected X-Credits-Remaining 7, got %q", got)
	}
	var body map[string]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["balance"] != 7 {
		t.Errorf("Expected balance 7 in context, got %v", body["balance"])
	}

	page, err := engine.ListTransactions(context.Background(), "org1", ledger.TransactionQuery{Limit: 1})
	if err != nil {
		t.Fatalf("Failed to list transactions: %v", err)
	}
	if page.Transactions[0].Metadata.ServiceUsed != "/orgs/:orgID/render" {
		t.Errorf("Expected route as service, got %q", page.Transactions[0].Metadata.ServiceUsed)
	}
	if page.Transactions[0].Description != "POST /orgs/org1/render" {
		t.Errorf("Unexpected description %q", page.Transactions[0].Description)
	}
}

func TestMiddleware_InsufficientCredits(t *testing.T) {
	storage := memory.New()
	svc, engine := setupTestService(t, storage, storage)
	grantCredits(t, engine, 4)

	rec := serve(newEcho(testConfig(svc)), "user1")

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["balance"] != float64(4) {
		t.Errorf("Expected balance 4, got %v", body["balance"])
	}
}

func TestMiddleware_NoBalanceYet(t *testing.T) {
	storage := memory.New()
	svc, _ := setupTestService(t, storage, storage)

	rec := serve(newEcho(testConfig(svc)), "user1")

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["balance"] != float64(0) {
		t.Errorf("Expected balance 0, got %v", body["balance"])
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	storage := memory.New()
	svc, _ := setupTestService(t, storage, storage)

	rec := serve(newEcho(testConfig(svc)), "")

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_Forbidden(t *testing.T) {
	storage := memory.New()
	svc, engine := setupTestService(t, storage, storage)
	grantCredits(t, engine, 12)

	rec := serve(newEcho(testConfig(svc)), "intruder")

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	storage := memory.New()
	svc, _ := setupTestService(t, &errorStorage{Storage: storage}, storage)

	var seen error
	cfg := testConfig(svc)
	cfg.OnError = func(c echo.Context, err error) error {
		seen = err
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
	}

	rec := serve(newEcho(cfg), "user1")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
	if seen == nil {
		t.Error("Expected OnError to receive the storage error")
	}
}

func TestMiddleware_DefaultStorageError(t *testing.T) {
	storage := memory.New()
	svc, _ := setupTestService(t, &errorStorage{Storage: storage}, storage)

	rec := serve(newEcho(testConfig(svc)), "user1")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestMiddleware_CustomResponses(t *testing.T) {
	storage := memory.New()
	svc, _ := setupTestService(t, storage, storage)

	cfg := testConfig(svc)
	cfg.GetUserID = FromContext("UserID")
	cfg.OnUnauthorized = func(c echo.Context) error {
		return c.String(http.StatusUnauthorized, "login required")
	}
	cfg.OnForbidden = func(c echo.Context) error {
		return c.NoContent(http.StatusNotFound)
	}
	cfg.OnInsufficientCredits = func(c echo.Context, balance, required int64) error {
		return c.JSON(http.StatusPaymentRequired, map[string]int64{"topUp": required - balance})
	}

	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if id := c.Request().Header.Get("X-Session"); id != "" {
				c.Set("UserID", id)
			}
			return next(c)
		}
	})
	e.POST("/orgs/:orgID/render", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, Middleware(cfg))

	cases := []struct {
		session string
		code    int
		body    string
	}{
		{"", http.StatusUnauthorized, "login required"},
		{"intruder", http.StatusNotFound, ""},
		{"user1", http.StatusPaymentRequired, "{\"topUp\":5}\n"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/orgs/org1/render", nil)
		if tc.session != "" {
			req.Header.Set("X-Session", tc.session)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != tc.code {
			t.Errorf("session %q: expected status %d, got %d", tc.session, tc.code, rec.Code)
		}
		if rec.Body.String() != tc.body {
			t.Errorf("session %q: expected body %q, got %q", tc.session, tc.body, rec.Body.String())
		}
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing Service")
		}
	}()
	Middleware(Config{GetUserID: FromHeader("X-User-ID")})
}

func TestExtractors(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?uid=query-user", nil)
	req.Header.Set("X-Request-ID", "req-1")
	req.Header.Set("X-Org", "org7")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("param-user")
	c.Set("key", "ctx-key")

	if got := FromQuery("uid")(c); got != "query-user" {
		t.Errorf("FromQuery: got %q", got)
	}
	if got := FromParam("id")(c); got != "param-user" {
		t.Errorf("FromParam: got %q", got)
	}
	if got := OrganizationFromHeader("X-Org")(c); got != "org7" {
		t.Errorf("OrganizationFromHeader: got %q", got)
	}
	if got := IdempotencyKeyFromHeader("X-Request-ID")(c); got != "req-1" {
		t.Errorf("IdempotencyKeyFromHeader: got %q", got)
	}
	if got := IdempotencyKeyFromContext("key")(c); got != "ctx-key" {
		t.Errorf("IdempotencyKeyFromContext: got %q", got)
	}
	if n, _ := DynamicCost(func(echo.Context) int64 { return 9 })(c); n != 9 {
		t.Errorf("DynamicCost: got %d", n)
	}
}
