// Package notify delivers billing lifecycle emails through an external
// mail API.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/praxisapp/praxis/internal/metrics"
	"github.com/praxisapp/praxis/internal/retry"
)

// Message is one outbound email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Mailer sends messages.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

// HTTPMailer posts messages as JSON to a mail relay API. Requests carry a
// bearer token and an HMAC-SHA256 body signature so the relay can verify
// origin.
type HTTPMailer struct {
	apiURL     string
	apiKey     string
	from       string
	signSecret string
	client     *http.Client
	logger     *slog.Logger
}

func NewHTTPMailer(apiURL, apiKey, from, signSecret string, logger *slog.Logger) *HTTPMailer {
	return &HTTPMailer{
		apiURL:     apiURL,
		apiKey:     apiKey,
		from:       from,
		signSecret: signSecret,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (m *HTTPMailer) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(struct {
		From string `json:"from"`
		*Message
	}{From: m.from, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal mail: %w", err)
	}

	return retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
		if m.signSecret != "" {
			req.Header.Set("X-Praxis-Signature", sign(m.signSecret, body))
		}

		resp, err := m.client.Do(req)
		if err != nil {
			return fmt.Errorf("send mail: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= 500 {
			return fmt.Errorf("mail api returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Permanent(fmt.Errorf("mail api rejected message: %d", resp.StatusCode))
		}
		return nil
	})
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ Mailer = (*HTTPMailer)(nil)

// NopMailer discards messages. Used when no mail API is configured.
type NopMailer struct{}

func (NopMailer) Send(context.Context, *Message) error { return nil }

// Notifier turns billing events into emails. Deliveries run in the
// background so webhook processing never waits on the mail relay.
type Notifier struct {
	mailer  Mailer
	logger  *slog.Logger
	timeout time.Duration
}

func NewNotifier(mailer Mailer, logger *slog.Logger) *Notifier {
	if mailer == nil {
		mailer = NopMailer{}
	}
	return &Notifier{mailer: mailer, logger: logger, timeout: 30 * time.Second}
}

// SubscriptionActivated emails the tenant's billing contact after a
// successful checkout. No-op when the tenant has no billing email.
func (n *Notifier) SubscriptionActivated(tenantName, billingEmail string) {
	if billingEmail == "" {
		return
	}
	n.deliver(&Message{
		To:      billingEmail,
		Subject: "Your Praxis subscription is active",
		Body: fmt.Sprintf("Hi %s,\n\nYour subscription is now active. Welcome aboard!\n\n— The Praxis team",
			tenantName),
	})
}

// PaymentFailed warns the tenant's billing contact that a renewal charge
// did not go through.
func (n *Notifier) PaymentFailed(tenantName, billingEmail string) {
	if billingEmail == "" {
		return
	}
	n.deliver(&Message{
		To:      billingEmail,
		Subject: "Praxis payment failed",
		Body: fmt.Sprintf("Hi %s,\n\nWe could not collect your latest subscription payment. Please update your payment method to keep your workspace active.\n\n— The Praxis team",
			tenantName),
	})
}

func (n *Notifier) deliver(msg *Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		if err := n.mailer.Send(ctx, msg); err != nil {
			metrics.NotificationsTotal.WithLabelValues("error").Inc()
			n.logger.Error("notification delivery failed", "to", msg.To, "subject", msg.Subject, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		n.logger.Debug("notification delivered", "to", msg.To, "subject", msg.Subject)
	}()
}
