package logstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{URL: url}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestPushSendsLokiPayload(t *testing.T) {
	var got pushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ts := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	err := c.Push(context.Background(), map[string]string{"app": "orion-sentinel"}, []Entry{
		{Timestamp: ts, Line: []byte(`{"a":1}`)},
		{Timestamp: ts.Add(time.Minute), Line: []byte(`{"a":2}`)},
	})
	require.NoError(t, err)

	require.Len(t, got.Streams, 1)
	assert.Equal(t, "orion-sentinel", got.Streams[0].Stream["app"])
	require.Len(t, got.Streams[0].Values, 2)
	assert.Equal(t, fmt.Sprintf("%d", ts.UnixNano()), got.Streams[0].Values[0][0])
	assert.Equal(t, `{"a":1}`, got.Streams[0].Values[0][1])
}

func TestPushClassifiesErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "bad request is rejected", status: http.StatusBadRequest, wantErr: ErrRejected},
		{name: "server error is unavailable", status: http.StatusBadGateway, wantErr: ErrUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			err := c.Push(context.Background(), nil, []Entry{{Timestamp: time.Now(), Line: []byte(`{}`)}})
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestPushTransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := newTestClient(t, srv.URL)
	err := c.Push(context.Background(), nil, []Entry{{Timestamp: time.Now(), Line: []byte(`{}`)}})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPushSplitsLargeBatches(t *testing.T) {
	var requests int32
	var linesSeen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		var req pushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		for _, s := range req.Streams {
			for _, v := range s.Values {
				linesSeen = append(linesSeen, v[1])
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, MaxBatchBytes: 256}, zaptest.NewLogger(t))
	require.NoError(t, err)

	var entries []Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, Entry{
			Timestamp: time.Now(),
			Line:      []byte(fmt.Sprintf(`{"n":%d,"pad":%q}`, i, strings.Repeat("x", 80))),
		})
	}
	require.NoError(t, c.Push(context.Background(), nil, entries))

	assert.Greater(t, atomic.LoadInt32(&requests), int32(1))
	require.Len(t, linesSeen, 10)
	// Order survives the split.
	for i, line := range linesSeen {
		assert.Contains(t, line, fmt.Sprintf(`"n":%d`, i))
	}
}

func TestPushWithRetryRecovers(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.PushWithRetry(ctx, nil, []Entry{{Timestamp: time.Now(), Line: []byte(`{}`)}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPushWithRetryStopsOnRejected(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.PushWithRetry(context.Background(), nil, []Entry{{Timestamp: time.Now(), Line: []byte(`{}`)}})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueryReturnsRowsNewestFirst(t *testing.T) {
	t0 := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/query_range", r.URL.Path)
		assert.Equal(t, `{app="orion-sentinel"}`, r.URL.Query().Get("query"))
		assert.Equal(t, "backward", r.URL.Query().Get("direction"))

		resp := map[string]any{
			"status": "success",
			"data": map[string]any{
				"resultType": "streams",
				"result": []map[string]any{
					{
						"stream": map[string]string{"event_type": "flow"},
						"values": [][2]string{
							{fmt.Sprintf("%d", t0.UnixNano()), `{"n":0}`},
							{fmt.Sprintf("%d", t0.Add(2*time.Minute).UnixNano()), `{"n":2}`},
						},
					},
					{
						"stream": map[string]string{"event_type": "dns"},
						"values": [][2]string{
							{fmt.Sprintf("%d", t0.Add(time.Minute).UnixNano()), `{"n":1}`},
						},
					},
				},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	rows, err := c.Query(context.Background(), `{app="orion-sentinel"}`, t0.Add(-time.Hour), t0.Add(time.Hour), 100)
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, t0.Add(2*time.Minute), rows[0].Timestamp)
	assert.Equal(t, t0.Add(time.Minute), rows[1].Timestamp)
	assert.Equal(t, t0, rows[2].Timestamp)
	assert.Equal(t, "dns", rows[1].Labels["event_type"])
}

func TestQueryUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Query(context.Background(), `{}`, time.Now().Add(-time.Hour), time.Now(), 10)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
