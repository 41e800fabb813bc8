// Package logstore is a thin client for the external append-only log store.
// It speaks the store's HTTP push and range-query protocol and classifies
// every failure as either retryable (store unreachable) or permanent (store
// rejected the request), so callers can decide between backoff and surfacing.
package logstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	pushPath  = "/loki/api/v1/push"
	queryPath = "/loki/api/v1/query_range"

	defaultPushTimeout   = 10 * time.Second
	defaultQueryTimeout  = 30 * time.Second
	defaultMaxBatchBytes = 1 << 20

	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 60 * time.Second
)

var (
	// ErrUnavailable marks transport failures and 5xx responses. Retry with
	// backoff.
	ErrUnavailable = errors.New("log store unavailable")
	// ErrRejected marks 4xx responses. Do not retry.
	ErrRejected = errors.New("log store rejected request")
)

// Entry is one record to append: a JSON line and its timestamp.
type Entry struct {
	Timestamp time.Time
	Line      []byte
}

// Row is one record returned by a range query.
type Row struct {
	Timestamp time.Time
	Labels    map[string]string
	Line      []byte
}

// Config holds client settings. Zero values take the documented defaults.
type Config struct {
	URL           string
	PushTimeout   time.Duration
	QueryTimeout  time.Duration
	MaxBatchBytes int
}

// Client wraps the log store HTTP API.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	pushTimeout   time.Duration
	queryTimeout  time.Duration
	maxBatchBytes int
	logger        *zap.Logger
}

// New builds a client for the store at cfg.URL.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("log store url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse log store url: %w", err)
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaultPushTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = defaultMaxBatchBytes
	}
	return &Client{
		baseURL:       cfg.URL,
		httpClient:    &http.Client{},
		pushTimeout:   cfg.PushTimeout,
		queryTimeout:  cfg.QueryTimeout,
		maxBatchBytes: cfg.MaxBatchBytes,
		logger:        logger.With(zap.String("component", "logstore")),
	}, nil
}

// ── push ──────────────────────────────────────────────────────────────────

type pushStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type pushRequest struct {
	Streams []pushStream `json:"streams"`
}

// Push appends entries under one labeled stream. Batches above the size cap
// are split into consecutive requests with order preserved; each request is
// atomic on the store side.
func (c *Client) Push(ctx context.Context, labels map[string]string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, batch := range splitEntries(entries, c.maxBatchBytes) {
		if err := c.pushOnce(ctx, labels, batch); err != nil {
			return err
		}
	}
	return nil
}

// PushWithRetry pushes and retries ErrUnavailable with jittered exponential
// backoff until the context is cancelled. ErrRejected returns immediately.
func (c *Client) PushWithRetry(ctx context.Context, labels map[string]string, entries []Entry) error {
	op := func() error {
		err := c.Push(ctx, labels, entries)
		if errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (c *Client) pushOnce(ctx context.Context, labels map[string]string, entries []Entry) error {
	values := make([][2]string, 0, len(entries))
	for _, e := range entries {
		values = append(values, [2]string{
			strconv.FormatInt(e.Timestamp.UnixNano(), 10),
			string(e.Line),
		})
	}
	body, err := json.Marshal(pushRequest{Streams: []pushStream{{Stream: labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.pushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	return classifyStatus(resp, "push")
}

// splitEntries groups entries into batches whose serialized size stays under
// the cap. A single oversized entry still ships alone.
func splitEntries(entries []Entry, maxBytes int) [][]Entry {
	var (
		out     [][]Entry
		current []Entry
		size    int
	)
	for _, e := range entries {
		entrySize := len(e.Line) + 32
		if len(current) > 0 && size+entrySize > maxBytes {
			out = append(out, current)
			current = nil
			size = 0
		}
		current = append(current, e)
		size += entrySize
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

// ── query ─────────────────────────────────────────────────────────────────

type queryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// Query runs a range query and returns rows newest first. Partial results
// are returned as-is; the store's limit applies per call.
func (c *Client) Query(ctx context.Context, selector string, start, end time.Time, limit int) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("query", selector)
	q.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	q.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	q.Set("direction", "backward")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+queryPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp, "query"); err != nil {
		return nil, err
	}

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}

	var rows []Row
	for _, stream := range decoded.Data.Result {
		for _, v := range stream.Values {
			nanos, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				c.logger.Warn("skipping row with bad timestamp", zap.String("value", v[0]))
				continue
			}
			rows = append(rows, Row{
				Timestamp: time.Unix(0, nanos).UTC(),
				Labels:    stream.Stream,
				Line:      []byte(v[1]),
			})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.After(rows[j].Timestamp) })
	return rows, nil
}

// Tail polls the store and delivers rows newer than the last delivered
// timestamp, oldest first, until ctx is cancelled. The channel is closed on
// return.
func (c *Client) Tail(ctx context.Context, selector string, interval time.Duration) <-chan Row {
	out := make(chan Row)
	go func() {
		defer close(out)
		mark := time.Now().UTC()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			now := time.Now().UTC()
			rows, err := c.Query(ctx, selector, mark, now, 0)
			if err != nil {
				c.logger.Warn("tail poll failed", zap.Error(err))
				continue
			}
			// Query returns newest first; a tail delivers oldest first.
			for i := len(rows) - 1; i >= 0; i-- {
				row := rows[i]
				if !row.Timestamp.After(mark) {
					continue
				}
				select {
				case out <- row:
				case <-ctx.Done():
					return
				}
				if row.Timestamp.After(mark) {
					mark = row.Timestamp
				}
			}
		}
	}()
	return out
}

func classifyStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s status %d: %s", ErrRejected, op, resp.StatusCode, bytes.TrimSpace(body))
	default:
		return fmt.Errorf("%w: %s status %d", ErrUnavailable, op, resp.StatusCode)
	}
}
