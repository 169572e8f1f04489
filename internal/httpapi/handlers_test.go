package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/crypto/bcrypt"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/export"
	"retailpos/backend/internal/service"
	"retailpos/backend/internal/store/memory"
	"retailpos/backend/internal/store/storetest"
	"retailpos/backend/internal/xid"
)

const (
	adminPassword  = "admin-pass-123"
	sellerPassword = "seller-pass-123"
)

type testEnv struct {
	api     *API
	handler http.Handler
	repo    *memory.Store
}

// newTestEnv builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := memory.New(nil)
	ctx := context.Background()
	for _, u := range []struct{ name, password, role string }{
		{"admin", adminPassword, domain.RoleAdmin},
		{"sari", sellerPassword, domain.RoleSeller},
		{"budi", sellerPassword, domain.RoleSeller},
	} {
		if err := repo.CreateUser(ctx, domain.UserAccount{
			Username:  u.name,
			Password:  mustHashPassword(t, u.password),
			Role:      u.role,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("create user %s: %v", u.name, err)
		}
	}

	svc := service.New(repo, nil, nil, 0, nil)
	auth, err := NewAuthManager("test-secret-key-with-enough-length!", time.Hour, repo)
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}
	api := New(svc, auth, Options{AllowedOrigin: "http://localhost:5173", LoginRatePerMinute: 5})
	return &testEnv{api: api, handler: api.Handler(), repo: repo}
}

func newTestAPI(t *testing.T) *API {
	return newTestEnv(t).api
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var payload domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return payload.AccessToken
}

func (e *testEnv) csrf(t *testing.T) string {
	t.Helper()
	return fetchCSRFToken(t, e.api)
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost {
		req.Header.Set("X-CSRF-Token", e.csrf(t))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (raw %s)", err, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "admin", adminPassword)
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected a JWT, got %q", token)
	}

	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "nope"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
	}
}

func TestSalesRequireBearerToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/sales", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/sales", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestCreateSaleEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	product := storetest.SeedProduct(t, env.repo, "250", 10)
	token := env.login(t, "sari", sellerPassword)

	rec := env.do(t, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"items": []map[string]any{
			{"product_id": product.ID, "quantity": 2, "unit_price": "399", "unit_cost": "250"},
		},
		"discount_percentage": "10",
		"tax_percentage":      16,
		"payment_method":      "cash",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created saleDetailResponse
	decodeBody(t, rec, &created)
	if created.Sale.TransactionNumber != "TXN-00000001" {
		t.Fatalf("unexpected transaction number %s", created.Sale.TransactionNumber)
	}
	if created.Sale.Total != "833.11" || created.Sale.TaxAmount != "114.91" || created.Sale.DiscountAmount != "79.80" {
		t.Fatalf("unexpected totals %+v", created.Sale)
	}
	if len(created.Items) != 1 || created.Items[0].LineTotal != "798.00" {
		t.Fatalf("unexpected items %+v", created.Items)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/sales/"+created.Sale.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for own sale, got %d", rec.Code)
	}

	other := env.login(t, "budi", sellerPassword)
	rec = env.do(t, http.MethodGet, "/api/v1/sales/"+created.Sale.ID, other, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another seller's sale, got %d", rec.Code)
	}
	foreignBody := rec.Body.String()
	if strings.Contains(foreignBody, "sari") {
		t.Fatalf("response leaks owner: %s", foreignBody)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/sales/"+xid.New("sale"), other, nil)
	if rec.Code != http.StatusNotFound || rec.Body.String() != foreignBody {
		t.Fatalf("expected missing sale to look like a foreign one, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateSaleErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	product := storetest.SeedProduct(t, env.repo, "1", 1)
	token := env.login(t, "sari", sellerPassword)

	rec := env.do(t, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"items":          []map[string]any{},
		"payment_method": "cash",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty cart, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["code"] != domain.CodeEmptyCart {
		t.Fatalf("expected empty_cart code, got %v", body["code"])
	}

	rec = env.do(t, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"items":          []map[string]any{{"product_id": product.ID, "quantity": 2, "unit_price": "5"}},
		"payment_method": "cash",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient stock, got %d: %s", rec.Code, rec.Body.String())
	}
	body = nil
	decodeBody(t, rec, &body)
	if body["sku"] != product.SKU || body["available"] != float64(1) {
		t.Fatalf("unexpected insufficient stock body %v", body)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/sales", token, map[string]any{
		"seller_id":      "budi",
		"items":          []map[string]any{{"product_id": product.ID, "quantity": 1, "unit_price": "5"}},
		"payment_method": "cash",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when selling as someone else, got %d", rec.Code)
	}
}

func TestListSalesScopedForSeller(t *testing.T) {
	env := newTestEnv(t)
	product := storetest.SeedProduct(t, env.repo, "1", 10)
	sari := env.login(t, "sari", sellerPassword)
	budi := env.login(t, "budi", sellerPassword)
	admin := env.login(t, "admin", adminPassword)

	for _, token := range []string{sari, sari, budi} {
		rec := env.do(t, http.MethodPost, "/api/v1/sales", token, map[string]any{
			"items":          []map[string]any{{"product_id": product.ID, "quantity": 1, "unit_price": "5"}},
			"payment_method": "cash",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create sale: %d %s", rec.Code, rec.Body.String())
		}
	}

	var own struct {
		Sales []saleResponse `json:"sales"`
	}
	rec := env.do(t, http.MethodGet, "/api/v1/sales", sari, nil)
	decodeBody(t, rec, &own)
	if len(own.Sales) != 2 {
		t.Fatalf("expected 2 own sales, got %d", len(own.Sales))
	}

	var all struct {
		Sales []saleResponse `json:"sales"`
	}
	today := time.Now().UTC().Format("2006-01-02")
	rec = env.do(t, http.MethodGet, "/api/v1/sales?from="+today+"&to="+today, admin, nil)
	decodeBody(t, rec, &all)
	if len(all.Sales) != 3 {
		t.Fatalf("expected 3 sales for admin, got %d", len(all.Sales))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/sales?seller_id=budi", sari, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/sales?from=yesterday", admin, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rec.Code)
	}
}

func TestProductAndStockEndpoints(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin", adminPassword)
	seller := env.login(t, "sari", sellerPassword)

	rec := env.do(t, http.MethodPost, "/api/v1/products", admin, map[string]any{
		"sku": "SKU001", "name": "Kopi", "purchase_cost": "250", "selling_price": "399", "initial_stock": 5,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Product productResponse `json:"product"`
	}
	decodeBody(t, rec, &created)
	if created.Product.Quantity != 5 || created.Product.SellingPrice != "399.00" {
		t.Fatalf("unexpected product %+v", created.Product)
	}
	base := "/api/v1/products/" + created.Product.ID

	rec = env.do(t, http.MethodPost, "/api/v1/products", seller, map[string]any{"sku": "SKU002", "name": "Teh"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for seller catalog write, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, base, seller, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected seller to read stock, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, base+"/stock-movements", admin, map[string]any{"kind": "damage", "quantity_change": -2})
	if rec.Code != http.StatusCreated {
		t.Fatalf("stock movement: %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, base+"/stock-movements", admin, map[string]any{"kind": "damage", "quantity_change": -9})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversized damage, got %d", rec.Code)
	}

	var ledger struct {
		Entries []domain.StockAdjustment `json:"entries"`
	}
	rec = env.do(t, http.MethodGet, base+"/stock-ledger", admin, nil)
	decodeBody(t, rec, &ledger)
	if len(ledger.Entries) != 2 || ledger.Entries[1].NewQuantity != 3 {
		t.Fatalf("unexpected ledger %+v", ledger.Entries)
	}

	rec = env.do(t, http.MethodGet, base+"/stock-ledger", seller, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for seller ledger read, got %d", rec.Code)
	}

	var replay domain.StockReplay
	rec = env.do(t, http.MethodGet, base+"/stock-replay", admin, nil)
	decodeBody(t, rec, &replay)
	if !replay.Consistent || replay.ReplayedQuantity != 3 {
		t.Fatalf("unexpected replay %+v", replay)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/products/prod-missing", admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSellerManagementIsAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin", adminPassword)
	seller := env.login(t, "sari", sellerPassword)

	rec := env.do(t, http.MethodPost, "/api/v1/users/sellers", seller, map[string]string{"username": "dewi", "password": "dewi-pass-1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for seller, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/users/sellers", admin, map[string]string{"username": "dewi", "password": "dewi-pass-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create seller: %d %s", rec.Code, rec.Body.String())
	}
	env.login(t, "dewi", "dewi-pass-1")
}

func TestLedgerExportDownload(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin", adminPassword)
	seller := env.login(t, "sari", sellerPassword)

	rec := env.do(t, http.MethodPost, "/api/v1/products", admin, map[string]any{
		"sku": "SKU001", "name": "Kopi", "purchase_cost": "250", "selling_price": "399", "initial_stock": 5,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/reports/stock-ledger.xlsx", seller, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for seller export, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/reports/stock-ledger.xlsx", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != export.ContentType {
		t.Fatalf("unexpected content type %q", got)
	}
	f, err := excelize.OpenReader(rec.Body)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(export.SummarySheet)
	if err != nil || len(rows) != 2 || rows[1][0] != "SKU001" {
		t.Fatalf("unexpected summary rows %v (%v)", rows, err)
	}
}
