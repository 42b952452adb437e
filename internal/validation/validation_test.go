package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidCurrency(t *testing.T) {
	assert.True(t, IsValidCurrency("USD"))
	assert.True(t, IsValidCurrency("usd"))
	assert.True(t, IsValidCurrency("EUR"))
	assert.False(t, IsValidCurrency(""))
	assert.False(t, IsValidCurrency("US"))
	assert.False(t, IsValidCurrency("DOLLARS"))
	assert.False(t, IsValidCurrency("U$D"))
}

func TestIsValidTenantID(t *testing.T) {
	assert.True(t, IsValidTenantID("t1"))
	assert.True(t, IsValidTenantID("acme-corp_42"))
	assert.False(t, IsValidTenantID(""))
	assert.False(t, IsValidTenantID("has space"))
	assert.False(t, IsValidTenantID("semi;colon"))
}

func TestIsValidMinorUnits(t *testing.T) {
	assert.True(t, IsValidMinorUnits(0))
	assert.True(t, IsValidMinorUnits(4900))
	assert.False(t, IsValidMinorUnits(-1))
}

func TestTenantParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/tenants/:tenantId", TenantParamMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tenants/t1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tenants/bad%3Bid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
