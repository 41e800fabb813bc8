package action

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const sinkTimeout = 10 * time.Second

// SinkClient talks to the DNS sinkhole's admin API. The API is form-based:
// POST list=black&add=<domain>&auth=<token>, with sub instead of add for
// removal. Response bodies are not parsed.
type SinkClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewSinkClient(baseURL, token string) *SinkClient {
	return &SinkClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: sinkTimeout},
	}
}

// BlockDomain adds domain to the blackhole list. The int is the HTTP
// status; err is non-nil only for transport-level failures.
func (c *SinkClient) BlockDomain(ctx context.Context, domain string) (int, error) {
	return c.post(ctx, "add", domain)
}

// UnblockDomain removes domain from the blackhole list.
func (c *SinkClient) UnblockDomain(ctx context.Context, domain string) (int, error) {
	return c.post(ctx, "sub", domain)
}

func (c *SinkClient) post(ctx context.Context, verb, domain string) (int, error) {
	form := url.Values{}
	form.Set("list", "black")
	form.Set(verb, domain)
	form.Set("auth", c.token)

	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("create dns-sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("dns-sink %s: %w", verb, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// BlockDomainExecutor blackholes a domain at the DNS sink. Transport
// failures are retryable; an API-level refusal (already blocked, auth
// denied) is recorded as success with a note because the sink's state, not
// ours, is authoritative.
type BlockDomainExecutor struct {
	sink   *SinkClient
	logger *zap.Logger
}

func NewBlockDomainExecutor(sink *SinkClient, logger *zap.Logger) *BlockDomainExecutor {
	return &BlockDomainExecutor{
		sink:   sink,
		logger: logger.With(zap.String("component", "block-domain")),
	}
}

func (e *BlockDomainExecutor) Kind() string { return "block-domain" }

func (e *BlockDomainExecutor) Validate(params map[string]any) error {
	_, err := stringParam(params, "domain")
	return err
}

func (e *BlockDomainExecutor) Execute(ctx context.Context, params map[string]any, dryRun bool) Receipt {
	domain, err := stringParam(params, "domain")
	if err != nil {
		return Receipt{Note: err.Error()}
	}
	reason := optionalString(params, "reason")

	if dryRun {
		return Receipt{
			Success: true,
			Note:    fmt.Sprintf("dry-run: would blackhole %s", domain),
		}
	}

	status, err := e.sink.BlockDomain(ctx, domain)
	if err != nil {
		e.logger.Warn("dns-sink unreachable",
			zap.String("domain", domain),
			zap.Error(err))
		return Receipt{
			RetryHint: true,
			Note:      fmt.Sprintf("dns-sink unreachable: %v", err),
		}
	}

	if status >= 200 && status < 300 {
		e.logger.Info("domain blackholed",
			zap.String("domain", domain),
			zap.String("reason", reason))
		return Receipt{
			Success:     true,
			SideEffects: 1,
			Note:        fmt.Sprintf("domain blackholed (HTTP %d)", status),
		}
	}

	e.logger.Warn("dns-sink refused add",
		zap.String("domain", domain),
		zap.Int("status", status))
	return Receipt{
		Success: true,
		Note:    fmt.Sprintf("dns-sink refused add (HTTP %d); domain may already be blocked", status),
	}
}
