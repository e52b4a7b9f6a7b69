package fiber

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
	"github.com/mihaimyh/creditledger/storage/memory"
)

// Test helper to create a service where user1 belongs to org1
func setupTestService(t *testing.T) (*billing.Service, *ledger.Engine) {
	t.Helper()

	storage := memory.New()
	engine, err := ledger.NewEngine(storage, ledger.Config{})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	svc, err := billing.NewService(billing.ServiceConfig{
		Engine: engine,
		Store:  storage,
		Authorizer: billing.NewStaticMemberships(map[string]map[string]billing.Role{
			"org1": {"user1": billing.RoleMember},
		}),
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return svc, engine
}

// Test helper to fund an organization
func fund(t *testing.T, engine *ledger.Engine, amount int64) {
	t.Helper()

	_, err := engine.Grant(context.Background(), ledger.GrantRequest{
		OrganizationID: "org1",
		Amount:         amount,
		Source:         ledger.PurchaseCredit{PaymentIntentID: "pi_1", PackageID: "small"},
	})
	if err != nil {
		t.Fatalf("Failed to fund organization: %v", err)
	}
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Post("/orgs/:orgID/transcribe", Middleware(cfg), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"balance": c.Locals(BalanceKey)})
	})
	return app
}

func baseConfig(svc *billing.Service) Config {
	return Config{
		Service:           svc,
		GetUserID:         FromHeader("X-User-ID"),
		GetOrganizationID: OrganizationFromParam("orgID"),
		GetAmount:         BodyCost(10),
	}
}

func post(t *testing.T, app *fiber.App, userID, body string) (*http.Response, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest("POST", "/orgs/org1/transcribe", strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("Failed to decode %q: %v", raw, err)
		}
	}
	return resp, decoded
}

func TestMiddleware_Success(t *testing.T) {
	svc, engine := setupTestService(t)
	fund(t, engine, 10)

	// 25 bytes at 10 bytes per credit
	resp, body := post(t, newApp(baseConfig(svc)), "user1", strings.Repeat("a", 25))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if body["balance"] != float64(7) {
		t.Errorf("Expected balance 7, got %v", body["balance"])
	}
	if got := resp.Header.Get("X-Credits-Charged"); got != "3" {
		t.Errorf("Expected X-Credits-Charged 3, got %q", got)
	}
}

func TestMiddleware_InsufficientCredits(t *testing.T) {
	svc, engine := setupTestService(t)
	fund(t, engine, 2)

	resp, body := post(t, newApp(baseConfig(svc)), "user1", strings.Repeat("a", 30))

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", resp.StatusCode)
	}
	if body["error"] != "Insufficient credits" || body["balance"] != float64(2) || body["required"] != float64(3) {
		t.Errorf("Unexpected body %v", body)
	}

	bal, _ := engine.GetBalance(context.Background(), "org1")
	if bal.Balance != 2 {
		t.Errorf("Expected balance untouched at 2, got %d", bal.Balance)
	}
}

func TestMiddleware_EmptyBodyIsBadRequest(t *testing.T) {
	svc, engine := setupTestService(t)
	fund(t, engine, 5)

	resp, _ := post(t, newApp(baseConfig(svc)), "user1", "")

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	svc, _ := setupTestService(t)

	resp, body := post(t, newApp(baseConfig(svc)), "", "abc")

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
	if body["error"] != "Unauthorized" {
		t.Errorf("Expected Unauthorized error, got %v", body)
	}
}

func TestMiddleware_Forbidden(t *testing.T) {
	svc, engine := setupTestService(t)
	fund(t, engine, 5)

	resp, _ := post(t, newApp(baseConfig(svc)), "user9", "abc")

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}
}

func TestMiddleware_LocalsExtractors(t *testing.T) {
	svc, engine := setupTestService(t)
	fund(t, engine, 5)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("UserID", "user1")
		c.Locals("Org", "org1")
		c.Locals("RequestKey", "job-42")
		return c.Next()
	})
	app.Post("/run", Middleware(Config{
		Service:           svc,
		GetUserID:         FromContext("UserID"),
		GetOrganizationID: OrganizationFromLocals("Org"),
		GetAmount:         DynamicCost(func(*fiber.Ctx) int64 { return 2 }),
		GetIdempotencyKey: IdempotencyKeyFromContext("RequestKey"),
		ServiceUsed:       "batch",
	}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/run", http.NoBody))
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusAccepted {
			t.Fatalf("Expected status 202, got %d", resp.StatusCode)
		}
	}

	bal, _ := engine.GetBalance(context.Background(), "org1")
	if bal.Balance != 3 {
		t.Errorf("Expected one charge of 2, balance %d", bal.Balance)
	}
	page, _ := engine.ListTransactions(context.Background(), "org1", ledger.TransactionQuery{Limit: 1})
	if page.Transactions[0].Metadata.ServiceUsed != "batch" {
		t.Errorf("Expected service batch, got %q", page.Transactions[0].Metadata.ServiceUsed)
	}
}

func TestMiddleware_CustomInsufficientHandler(t *testing.T) {
	svc, _ := setupTestService(t)
	cfg := baseConfig(svc)
	cfg.OnInsufficientCredits = func(c *fiber.Ctx, balance, required int64) error {
		c.Set("X-Credits-Needed", strconv.FormatInt(required-balance, 10))
		return c.SendStatus(fiber.StatusPaymentRequired)
	}

	req := httptest.NewRequest("POST", "/orgs/org1/transcribe", strings.NewReader("abc"))
	req.Header.Set("X-User-ID", "user1")
	resp, err := newApp(cfg).Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Credits-Needed"); got != "1" {
		t.Errorf("Expected X-Credits-Needed 1, got %q", got)
	}
	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != "Payment Required" {
		t.Errorf("Expected the handler's plain-text body, got %q", raw)
	}
}

func TestMiddleware_PanicsWithoutOrganization(t *testing.T) {
	svc, _ := setupTestService(t)
	defer func() {
		if recover() == nil {
			t.Error("Expected panic")
		}
	}()
	Middleware(Config{Service: svc, GetUserID: FromHeader("X-User-ID"), GetAmount: FixedAmount(1)})
}
