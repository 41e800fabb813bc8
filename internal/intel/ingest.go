package intel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetention    = 90 * 24 * time.Hour
	defaultFetchTimeout = 120 * time.Second
	defaultMaxParallel  = 4
	maxFeedBodyBytes    = 64 << 20
)

// FeedConfig describes one upstream threat-intel source.
type FeedConfig struct {
	Name    string
	URL     string
	Enabled bool
	APIKey  string
}

// IngestConfig holds ingestor settings. Zero values take the documented
// defaults.
type IngestConfig struct {
	Feeds        []FeedConfig
	Retention    time.Duration
	FetchTimeout time.Duration
	MaxParallel  int
}

// Ingestor downloads enabled feeds, parses them with the per-source parser,
// and upserts the result. Feeds fail independently: one unreachable source
// never blocks the others.
type Ingestor struct {
	store        *Store
	feeds        []FeedConfig
	parsers      map[string]Parser
	client       *retryablehttp.Client
	retention    time.Duration
	fetchTimeout time.Duration
	maxParallel  int
	logger       *zap.Logger
}

// NewIngestor builds an ingestor over the given store.
func NewIngestor(store *Store, cfg IngestConfig, logger *zap.Logger) *Ingestor {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	return &Ingestor{
		store:        store,
		feeds:        cfg.Feeds,
		parsers:      newParserTable(),
		client:       client,
		retention:    cfg.Retention,
		fetchTimeout: cfg.FetchTimeout,
		maxParallel:  cfg.MaxParallel,
		logger:       logger.With(zap.String("component", "ti-ingest")),
	}
}

// Retention returns the configured purge horizon.
func (in *Ingestor) Retention() time.Duration { return in.retention }

// RunOnce ingests every enabled feed in parallel, then purges records older
// than the retention horizon. It returns an error only when no enabled feed
// could be ingested at all; partial failure is logged per feed.
func (in *Ingestor) RunOnce(ctx context.Context) error {
	var enabled, succeeded atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.maxParallel)
	for _, feed := range in.feeds {
		feed := feed
		if !feed.Enabled {
			continue
		}
		enabled.Add(1)
		g.Go(func() error {
			count, err := in.ingestFeed(gctx, feed)
			if err != nil {
				in.logger.Error("feed ingest failed",
					zap.String("feed", feed.Name), zap.Error(err))
				return nil
			}
			succeeded.Add(1)
			in.logger.Info("feed ingested",
				zap.String("feed", feed.Name), zap.Int("iocs", count))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if _, err := in.store.PurgeOlderThan(ctx, in.retention); err != nil {
		in.logger.Error("retention purge failed", zap.Error(err))
	}

	if enabled.Load() > 0 && succeeded.Load() == 0 {
		return fmt.Errorf("all %d enabled feeds failed", enabled.Load())
	}
	return nil
}

func (in *Ingestor) ingestFeed(ctx context.Context, feed FeedConfig) (int, error) {
	parser, ok := in.parsers[feed.Name]
	if !ok {
		return 0, fmt.Errorf("no parser registered for feed %q", feed.Name)
	}
	if feed.URL == "" {
		return 0, fmt.Errorf("feed %q has no url", feed.Name)
	}

	data, err := in.fetch(ctx, feed)
	if err != nil {
		return 0, err
	}

	iocs, err := parser.Parse(data)
	if err != nil {
		return 0, fmt.Errorf("parse: %w", err)
	}
	return in.store.UpsertBatch(ctx, iocs)
}

func (in *Ingestor) fetch(ctx context.Context, feed FeedConfig) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, in.fetchTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if feed.Name == SourceOTX && feed.APIKey != "" {
		req.Header.Set("X-OTX-API-KEY", feed.APIKey)
	}

	resp, err := in.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}
