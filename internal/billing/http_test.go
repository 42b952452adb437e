package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisapp/praxis/internal/audit"
	"github.com/praxisapp/praxis/internal/events"
	"github.com/praxisapp/praxis/internal/ledger"
	"github.com/praxisapp/praxis/internal/tenant"
)

func newTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		events:   events.NewMemoryStore(),
		tenants:  tenant.NewMemoryStore(),
		ledger:   ledger.NewMemoryStore(),
		audit:    audit.NewMemorySink(),
		notifier: &fakeNotifier{},
		feed:     &fakeFeed{},
	}
	f.proc = NewProcessor(
		NewVerifier(testSecret, 5*time.Minute),
		f.events, f.tenants, f.ledger, f.audit, slog.Default(),
		WithNotifier(f.notifier),
		WithFeed(f.feed),
	)

	router := gin.New()
	NewHandler(f.proc).RegisterRoutes(router)
	return router, f
}

func postWebhook(router *gin.Engine, payload []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/events/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWebhookEndpointProcessesEvent(t *testing.T) {
	router, f := newTestRouter(t)
	seedTenant(t, f.tenants)

	payload := eventJSON(t, "evt_http_1", "customer.subscription.updated", map[string]any{
		"id":       "sub_1",
		"object":   "subscription",
		"status":   "active",
		"customer": "cus_1",
		"metadata": map[string]string{"tenant_id": "ten_1"},
	})

	w := postWebhook(router, payload, signPayload(payload, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["received"])
	assert.Equal(t, StatusProcessed, body["status"])

	w = postWebhook(router, payload, signPayload(payload, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusAlreadyProcessed, body["status"])
}

func TestWebhookEndpointRejectsBadSignature(t *testing.T) {
	router, f := newTestRouter(t)

	payload := eventJSON(t, "evt_http_sig", "invoice.paid", map[string]any{
		"id": "in_1", "object": "invoice",
	})

	w := postWebhook(router, payload, "t=1,v1=bad")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postWebhook(router, payload, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Tampered payloads fail even with a once-valid signature.
	sig := signPayload(payload, time.Now())
	tampered := bytes.Replace(payload, []byte("in_1"), []byte("in_2"), 1)
	w = postWebhook(router, tampered, sig)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	recent, err := f.audit.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestWebhookEndpointReportsDependencyFailure(t *testing.T) {
	router, f := newTestRouter(t)
	base := tenant.NewMemoryStore()
	seedTenant(t, base)
	f.proc.tenants = brokenTenantStore{base}

	payload := eventJSON(t, "evt_http_500", "customer.subscription.updated", map[string]any{
		"id":       "sub_1",
		"object":   "subscription",
		"status":   "active",
		"customer": "cus_1",
		"metadata": map[string]string{"tenant_id": "ten_1"},
	})

	w := postWebhook(router, payload, signPayload(payload, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebhookEndpointAcknowledgesSoftFailures(t *testing.T) {
	router, f := newTestRouter(t)

	// No tenant exists; effects cannot apply but the delivery is accepted.
	payload := eventJSON(t, "evt_http_soft", "customer.subscription.updated", map[string]any{
		"id":       "sub_1",
		"object":   "subscription",
		"status":   "active",
		"customer": "cus_nobody",
	})

	w := postWebhook(router, payload, signPayload(payload, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusProcessed, body["status"])

	recent, err := f.audit.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, audit.OutcomeSoftFailed, recent[0].Outcome)
}
