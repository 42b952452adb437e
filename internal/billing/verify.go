package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// ErrSignatureInvalid means the delivery could not be authenticated: bad or
// missing signature, or a timestamp outside the accepted skew.
var ErrSignatureInvalid = errors.New("billing: invalid webhook signature")

// Verifier authenticates inbound webhook deliveries.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier builds a verifier for the given endpoint secret. Signatures
// older or newer than tolerance are rejected to limit replay.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify checks the provider signature over the raw payload and returns the
// parsed event envelope. Signature comparison is constant-time.
func (v *Verifier) Verify(payload []byte, sigHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithTolerance(payload, sigHeader, v.secret, v.tolerance)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return event, nil
}
