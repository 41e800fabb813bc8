package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orion-sentinel/netsec/internal/model"
)

func TestSlackTransportPostsAttachment(t *testing.T) {
	var (
		gotChannel     string
		gotAttachments string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotChannel = r.Form.Get("channel")
		gotAttachments = r.Form.Get("attachments")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1705312800.000100"}`))
	}))
	defer srv.Close()

	tr := NewSlackTransport(SlackConfig{
		Token:   "xoxb-test",
		Channel: "#security",
		APIURL:  srv.URL + "/",
	}, zaptest.NewLogger(t))

	require.NoError(t, tr.Send(context.Background(), testMessage()))
	assert.Equal(t, "#security", gotChannel)
	assert.Contains(t, gotAttachments, "Blocked evil.example.com")
	assert.Contains(t, gotAttachments, "danger")
}

func TestSlackTransportAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	tr := NewSlackTransport(SlackConfig{
		Token:   "xoxb-test",
		Channel: "#ghost",
		APIURL:  srv.URL + "/",
	}, zaptest.NewLogger(t))

	err := tr.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestSeverityColor(t *testing.T) {
	assert.Equal(t, "danger", severityColor(model.SeverityCritical))
	assert.Equal(t, "danger", severityColor(model.SeverityHigh))
	assert.Equal(t, "warning", severityColor(model.SeverityMedium))
	assert.Equal(t, "good", severityColor(model.SeverityLow))
	assert.Equal(t, "good", severityColor(model.SeverityInfo))
}
