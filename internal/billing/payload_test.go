package billing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloadUnknownType(t *testing.T) {
	p, err := decodePayload("balance.available", json.RawMessage(`{"object":"balance"}`))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDecodePayloadCheckout(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "cs_1",
		"object": "checkout.session",
		"amount_total": 4900,
		"currency": "usd",
		"metadata": {"tenant_id": "ten_1"},
		"customer": "cus_1",
		"subscription": "sub_1",
		"payment_intent": "pi_1"
	}`)
	p, err := decodePayload(eventCheckoutCompleted, raw)
	require.NoError(t, err)

	checkout, ok := p.(*CheckoutCompleted)
	require.True(t, ok)
	assert.Equal(t, "ten_1", checkout.TenantID)
	assert.Equal(t, "cus_1", checkout.CustomerRef)
	assert.Equal(t, "sub_1", checkout.SubscriptionID)
	assert.Equal(t, "pi_1", checkout.PaymentRef)
	assert.Equal(t, int64(4900), checkout.AmountMinor)
	assert.Equal(t, "usd", checkout.Currency)
}

func TestTenantFromMetadata(t *testing.T) {
	assert.Equal(t, "ten_a", tenantFromMetadata(map[string]string{"tenant_id": "ten_a"}))
	// Older checkout links used camel case.
	assert.Equal(t, "ten_b", tenantFromMetadata(map[string]string{"tenantId": "ten_b"}))
	assert.Equal(t, "ten_a", tenantFromMetadata(map[string]string{"tenant_id": "ten_a", "tenantId": "ten_b"}))
	assert.Empty(t, tenantFromMetadata(nil))
}

func TestDecodePayloadRefund(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "ch_1",
		"object": "charge",
		"amount": 4900,
		"amount_refunded": 2000,
		"currency": "usd",
		"payment_intent": "pi_1"
	}`)
	p, err := decodePayload(eventChargeRefunded, raw)
	require.NoError(t, err)

	refund, ok := p.(*ChargeRefunded)
	require.True(t, ok)
	assert.Equal(t, "ch_1", refund.ChargeID)
	assert.Equal(t, "pi_1", refund.PaymentRef)
	assert.Equal(t, int64(2000), refund.AmountRefundedMinor)
}
