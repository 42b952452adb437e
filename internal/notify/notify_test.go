package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMailerSend(t *testing.T) {
	var (
		gotAuth string
		gotSig  string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSig = r.Header.Get("X-Praxis-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	mailer := NewHTTPMailer(srv.URL, "key_test", "billing@praxis.example", "signsecret", slog.Default())
	err := mailer.Send(context.Background(), &Message{
		To:      "owner@acme.example",
		Subject: "hello",
		Body:    "world",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer key_test", gotAuth)

	mac := hmac.New(sha256.New, []byte("signsecret"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "billing@praxis.example", payload["from"])
	assert.Equal(t, "owner@acme.example", payload["to"])
}

func TestHTTPMailerRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mailer := NewHTTPMailer(srv.URL, "k", "f@example.com", "", slog.Default())
	err := mailer.Send(context.Background(), &Message{To: "t@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestHTTPMailerDoesNotRetryRejections(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	mailer := NewHTTPMailer(srv.URL, "k", "f@example.com", "", slog.Default())
	err := mailer.Send(context.Background(), &Message{To: "t@example.com"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []*Message
	done chan struct{}
}

func (r *recordingMailer) Send(_ context.Context, msg *Message) error {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
	return nil
}

func TestNotifierSubscriptionActivated(t *testing.T) {
	rec := &recordingMailer{done: make(chan struct{}, 1)}
	n := NewNotifier(rec, slog.Default())

	n.SubscriptionActivated("Acme", "owner@acme.example")

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.sent, 1)
	assert.Equal(t, "owner@acme.example", rec.sent[0].To)
	assert.Contains(t, rec.sent[0].Body, "Acme")
}

func TestNotifierSkipsEmptyRecipient(t *testing.T) {
	rec := &recordingMailer{done: make(chan struct{}, 1)}
	n := NewNotifier(rec, slog.Default())

	n.SubscriptionActivated("Acme", "")
	n.PaymentFailed("Acme", "")

	select {
	case <-rec.done:
		t.Fatal("no mail should be sent without a recipient")
	case <-time.After(100 * time.Millisecond):
	}
}
