package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
)

const defaultVaultPath = "secret/data/sentineld"

// SecretManager wraps the Vault API client for reading secrets.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at the given address and
// authenticated with the provided token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope automatically.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// ApplyVaultOverlay replaces secret fields with values read from Vault when
// ORION_VAULT_ADDR is set. The path defaults to secret/data/sentineld and
// is overridable with ORION_VAULT_PATH. Keys absent from the secret leave
// the configured values alone. Load applies the overlay itself; this is
// exported for configs assembled without Load.
func ApplyVaultOverlay(cfg *Config) error {
	addr := os.Getenv("ORION_VAULT_ADDR")
	if addr == "" {
		return nil
	}

	sm, err := NewSecretManager(addr, os.Getenv("ORION_VAULT_TOKEN"))
	if err != nil {
		return err
	}
	path := os.Getenv("ORION_VAULT_PATH")
	if path == "" {
		path = defaultVaultPath
	}
	data, err := sm.GetKV2(path)
	if err != nil {
		return fmt.Errorf("vault overlay: %w", err)
	}
	cfg.applySecrets(data)
	return nil
}

func (c *Config) applySecrets(data map[string]interface{}) {
	str := func(key string) (string, bool) {
		v, ok := data[key].(string)
		return v, ok && v != ""
	}
	if v, ok := str("dns_sink_token"); ok {
		c.DNSSink.Token = v
	}
	if v, ok := str("smtp_password"); ok {
		c.Notify.SMTP.Password = v
	}
	if v, ok := str("slack_token"); ok {
		c.Notify.Slack.Token = v
	}
	if v, ok := str("webhook_secret"); ok {
		c.Notify.Webhook.Secret = v
	}
	if v, ok := str("otx_api_key"); ok {
		if c.Intel.Feeds == nil {
			c.Intel.Feeds = map[string]FeedConfig{}
		}
		feed := c.Intel.Feeds["otx"]
		feed.APIKey = v
		c.Intel.Feeds["otx"] = feed
	}
}
