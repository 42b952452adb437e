package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"

	"github.com/praxisapp/praxis/internal/billing"
	"github.com/praxisapp/praxis/internal/config"
	"github.com/praxisapp/praxis/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testWebhookSecret = "whsec_server_test"

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		StripeWebhookSecret: testWebhookSecret,
		SignatureTolerance:  5 * time.Minute,
		RateLimitRPM:        10000,
	}
}

// newTestServer creates a server with in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func signedEvent(t *testing.T, id, eventType string, object map[string]any) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"type":        eventType,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	sig := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
	return payload, sig
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/billing/events/stripe",
		"GET:/v1/tenants/:tenantId/subscription",
		"GET:/v1/tenants/:tenantId/ledger",
		"GET:/v1/billing/events/:eventId",
		"GET:/v1/billing/audit",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Webhook flow test (end to end through the router)
// ---------------------------------------------------------------------------

func TestWebhookFlowThroughRouter(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	if err := s.tenantStore.Create(ctx, &tenant.Tenant{
		ID:   "ten_srv",
		Name: "Server Test",
	}); err != nil {
		t.Fatalf("Failed to seed tenant: %v", err)
	}

	payload, sig := signedEvent(t, "evt_srv_1", "customer.subscription.updated", map[string]any{
		"id":       "sub_1",
		"object":   "subscription",
		"status":   "active",
		"customer": "cus_srv",
		"metadata": map[string]string{"tenant_id": "ten_srv"},
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/billing/events/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != billing.StatusProcessed {
		t.Errorf("Expected status processed, got %v", resp["status"])
	}

	// Subscription readable through the back-office API
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/tenants/ten_srv/subscription", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["subscriptionStatus"] != string(tenant.StatusActive) {
		t.Errorf("Expected active subscription, got %v", resp["subscriptionStatus"])
	}

	// Processed event readable by provider event ID
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/billing/events/evt_srv_1", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for stored event, got %d", w.Code)
	}

	// Audit trail has the record
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/billing/audit", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for audit, got %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if count, _ := resp["count"].(float64); count < 1 {
		t.Errorf("Expected at least one audit record, got %v", resp["count"])
	}
}

func TestWebhookRejectsUnsignedDelivery(t *testing.T) {
	s := newTestServer(t)

	payload, _ := signedEvent(t, "evt_srv_bad", "invoice.paid", map[string]any{
		"id": "in_1", "object": "invoice",
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/billing/events/stripe", bytes.NewReader(payload))
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing signature, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Back-office API tests
// ---------------------------------------------------------------------------

func TestTenantSubscriptionNotFound(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/tenants/ten_missing/subscription", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestTenantLedgerInvalidTenantID(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/tenants/bad%20id%21/ledger", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid tenant ID, got %d", w.Code)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
