package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWebhookTransportSignsPayload(t *testing.T) {
	var (
		gotBody      []byte
		gotSignature string
		gotType      string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Orion-Signature")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(WebhookConfig{URL: srv.URL, Secret: "shh"}, zaptest.NewLogger(t))
	require.NoError(t, tr.Send(context.Background(), testMessage()))

	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, computeHMAC("shh", gotBody), gotSignature)

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "Blocked evil.example.com", payload.Subject)
	assert.Equal(t, "high", payload.Severity)
	assert.False(t, payload.Timestamp.IsZero())
}

func TestWebhookTransportWithoutSecret(t *testing.T) {
	var gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Orion-Signature")
	}))
	defer srv.Close()

	tr := NewWebhookTransport(WebhookConfig{URL: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, tr.Send(context.Background(), testMessage()))
	assert.Empty(t, gotSignature)
}

func TestWebhookTransportNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(WebhookConfig{URL: srv.URL, Secret: "shh"}, zaptest.NewLogger(t))
	err := tr.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 403")
}

func TestWebhookTransportConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	tr := NewWebhookTransport(WebhookConfig{URL: srv.URL}, zaptest.NewLogger(t))
	assert.Error(t, tr.Send(context.Background(), testMessage()))
}
