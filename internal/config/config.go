// Package config loads sentineld settings from defaults, an optional YAML
// file, and ORION_-prefixed environment variables, in increasing
// precedence. Secrets can additionally be overlaid from Vault.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/orion-sentinel/netsec/internal/health"
)

// Config is the top-level sentineld configuration.
type Config struct {
	AppLabel  string          `mapstructure:"app_label"`
	LogStore  LogStoreConfig  `mapstructure:"log_store"`
	EVE       EVEConfig       `mapstructure:"eve"`
	DNSSink   DNSSinkConfig   `mapstructure:"dns_sink"`
	Intervals IntervalConfig  `mapstructure:"intervals"`
	Inventory InventoryConfig `mapstructure:"inventory"`
	Correlate CorrelateConfig `mapstructure:"correlate"`
	Intel     IntelConfig     `mapstructure:"intel"`
	SOAR      SOARConfig      `mapstructure:"soar"`
	Health    HealthConfig    `mapstructure:"health"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Paths     PathConfig      `mapstructure:"paths"`
	Playbooks PlaybookConfig  `mapstructure:"playbooks"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Emitter   EmitterConfig   `mapstructure:"emitter"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
}

// LogStoreConfig points at the log store the whole system reads and writes.
type LogStoreConfig struct {
	URL          string        `mapstructure:"url" validate:"required,url"`
	PushTimeout  time.Duration `mapstructure:"push_timeout"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// EVEConfig selects the raw IDS stream.
type EVEConfig struct {
	Selector string `mapstructure:"selector" validate:"required"`
}

// DNSSinkConfig points at the DNS sinkhole admin API. Empty URL disables
// the block-domain executor.
type DNSSinkConfig struct {
	URL   string `mapstructure:"url" validate:"omitempty,url"`
	Token string `mapstructure:"token"`
}

// IntervalConfig holds the per-service cadences. Ingest and retention are
// cron expressions (robfig syntax); the rest are plain intervals.
type IntervalConfig struct {
	Inventory         time.Duration `mapstructure:"inventory" validate:"gt=0"`
	Correlate         time.Duration `mapstructure:"correlate" validate:"gt=0"`
	SOAR              time.Duration `mapstructure:"soar" validate:"gt=0"`
	Health            time.Duration `mapstructure:"health" validate:"gt=0"`
	IngestSchedule    string        `mapstructure:"ingest_schedule" validate:"required"`
	RetentionSchedule string        `mapstructure:"retention_schedule" validate:"required"`
}

// InventoryConfig tunes the discovery pass.
type InventoryConfig struct {
	Lookback   time.Duration `mapstructure:"lookback"`
	QueryLimit int           `mapstructure:"query_limit"`
}

// CorrelateConfig tunes the TI correlation pass.
type CorrelateConfig struct {
	Lookback        time.Duration `mapstructure:"lookback"`
	SuppressWindow  time.Duration `mapstructure:"suppress_window"`
	QueryLimit      int           `mapstructure:"query_limit"`
	DeviceThreshold float64       `mapstructure:"device_threshold" validate:"gte=0,lte=1"`
	DomainThreshold float64       `mapstructure:"domain_threshold" validate:"gte=0,lte=1"`
}

// IntelConfig configures the feed ingest and IOC retention.
type IntelConfig struct {
	Retention time.Duration         `mapstructure:"retention" validate:"gt=0"`
	Feeds     map[string]FeedConfig `mapstructure:"feeds" validate:"dive"`
}

// FeedConfig is one upstream threat-intel source. The map key under
// intel.feeds names the feed and selects its parser.
type FeedConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url" validate:"omitempty,url"`
	APIKey  string `mapstructure:"api_key"`
}

// SOARConfig tunes the response loop.
type SOARConfig struct {
	QueryLimit    int           `mapstructure:"query_limit"`
	MaxConcurrent int64         `mapstructure:"max_concurrent" validate:"gt=0"`
	ReplayBound   time.Duration `mapstructure:"replay_bound" validate:"gt=0"`
	DryRun        bool          `mapstructure:"dry_run"`
}

// HealthConfig tunes the posture score.
type HealthConfig struct {
	HighRiskThreshold float64           `mapstructure:"high_risk_threshold" validate:"gte=0,lte=1"`
	Thresholds        health.Thresholds `mapstructure:"thresholds"`
}

// NotifyConfig holds the notification transports. A transport with its
// required fields empty is simply not built.
type NotifyConfig struct {
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Slack   SlackConfig   `mapstructure:"slack"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// SMTPConfig configures the email transport.
type SMTPConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// SlackConfig configures the Slack transport.
type SlackConfig struct {
	Token   string `mapstructure:"token"`
	Channel string `mapstructure:"channel"`
}

// WebhookConfig configures the generic webhook transport.
type WebhookConfig struct {
	URL    string `mapstructure:"url" validate:"omitempty,url"`
	Secret string `mapstructure:"secret"`
}

// PathConfig locates the on-disk state and input files.
type PathConfig struct {
	DeviceStore string `mapstructure:"device_store" validate:"required"`
	IOCStore    string `mapstructure:"ioc_store" validate:"required"`
	Checkpoint  string `mapstructure:"checkpoint" validate:"required"`
	Playbooks   string `mapstructure:"playbooks" validate:"required"`
	Hygiene     string `mapstructure:"hygiene"`
}

// PlaybookConfig tunes playbook loading.
type PlaybookConfig struct {
	AllowEmpty bool `mapstructure:"allow_empty"`
}

// AdminConfig configures the operator HTTP API. The default binds loopback
// only; exposing the API is an explicit decision.
type AdminConfig struct {
	Listen string `mapstructure:"listen" validate:"required"`
}

// EmitterConfig tunes the event queue.
type EmitterConfig struct {
	QueueSize    int           `mapstructure:"queue_size" validate:"gt=0"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" validate:"gt=0"`
}

// ShutdownConfig tunes the stop sequence.
type ShutdownConfig struct {
	Grace time.Duration `mapstructure:"grace" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_label", "orion-sentinel")

	v.SetDefault("log_store.url", "http://127.0.0.1:3100")
	v.SetDefault("log_store.push_timeout", 10*time.Second)
	v.SetDefault("log_store.query_timeout", 30*time.Second)

	v.SetDefault("eve.selector", `{job="suricata"}`)

	v.SetDefault("intervals.inventory", 10*time.Minute)
	v.SetDefault("intervals.correlate", 5*time.Minute)
	v.SetDefault("intervals.soar", time.Minute)
	v.SetDefault("intervals.health", time.Hour)
	v.SetDefault("intervals.ingest_schedule", "@every 6h")
	v.SetDefault("intervals.retention_schedule", "@every 24h")

	v.SetDefault("inventory.lookback", 15*time.Minute)
	v.SetDefault("inventory.query_limit", 5000)

	v.SetDefault("correlate.lookback", 10*time.Minute)
	v.SetDefault("correlate.suppress_window", time.Hour)
	v.SetDefault("correlate.query_limit", 5000)
	v.SetDefault("correlate.device_threshold", 0.7)
	v.SetDefault("correlate.domain_threshold", 0.7)

	v.SetDefault("intel.retention", 90*24*time.Hour)
	v.SetDefault("intel.feeds.urlhaus.enabled", true)
	v.SetDefault("intel.feeds.urlhaus.url", "https://urlhaus.abuse.ch/downloads/json_recent/")
	v.SetDefault("intel.feeds.feodo.enabled", true)
	v.SetDefault("intel.feeds.feodo.url", "https://feodotracker.abuse.ch/downloads/ipblocklist.json")
	v.SetDefault("intel.feeds.otx.enabled", false)
	v.SetDefault("intel.feeds.otx.url", "https://otx.alienvault.com/api/v1/pulses/subscribed")
	v.SetDefault("intel.feeds.phishtank.enabled", false)
	v.SetDefault("intel.feeds.phishtank.url", "http://data.phishtank.com/data/online-valid.json")

	v.SetDefault("soar.query_limit", 500)
	v.SetDefault("soar.max_concurrent", 8)
	v.SetDefault("soar.replay_bound", 24*time.Hour)
	v.SetDefault("soar.dry_run", false)

	v.SetDefault("health.high_risk_threshold", 0.7)

	v.SetDefault("paths.device_store", "/var/lib/sentineld/devices.db")
	v.SetDefault("paths.ioc_store", "/var/lib/sentineld/iocs.db")
	v.SetDefault("paths.checkpoint", "/var/lib/sentineld/checkpoint.json")
	v.SetDefault("paths.playbooks", "/etc/sentineld/playbooks.yaml")
	v.SetDefault("paths.hygiene", "/etc/sentineld/hygiene.yaml")

	v.SetDefault("playbooks.allow_empty", false)

	v.SetDefault("admin.listen", "127.0.0.1:8710")

	v.SetDefault("emitter.queue_size", 1024)
	v.SetDefault("emitter.drain_timeout", 5*time.Second)

	v.SetDefault("shutdown.grace", 30*time.Second)
}

// bindEnvVars binds nested keys to their ORION_ equivalents. AutomaticEnv
// only covers top-level keys, so secrets and endpoints that operators set
// through the environment are bound explicitly.
func bindEnvVars(v *viper.Viper) {
	bindings := map[string]string{
		"log_store.url":           "ORION_LOG_STORE_URL",
		"eve.selector":            "ORION_EVE_SELECTOR",
		"dns_sink.url":            "ORION_DNS_SINK_URL",
		"dns_sink.token":          "ORION_DNS_SINK_TOKEN",
		"soar.dry_run":            "ORION_SOAR_DRY_RUN",
		"notify.smtp.host":        "ORION_SMTP_HOST",
		"notify.smtp.username":    "ORION_SMTP_USERNAME",
		"notify.smtp.password":    "ORION_SMTP_PASSWORD",
		"notify.slack.token":      "ORION_SLACK_TOKEN",
		"notify.slack.channel":    "ORION_SLACK_CHANNEL",
		"notify.webhook.url":      "ORION_WEBHOOK_URL",
		"notify.webhook.secret":   "ORION_WEBHOOK_SECRET",
		"intel.feeds.otx.api_key": "ORION_OTX_API_KEY",
		"paths.device_store":      "ORION_DEVICE_STORE_PATH",
		"paths.ioc_store":         "ORION_IOC_STORE_PATH",
		"paths.checkpoint":        "ORION_CHECKPOINT_PATH",
		"paths.playbooks":         "ORION_PLAYBOOKS_PATH",
		"paths.hygiene":           "ORION_HYGIENE_PATH",
		"admin.listen":            "ORION_ADMIN_LISTEN",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
}

// Load reads configuration from defaults, the given YAML file, and the
// environment. An empty path means defaults plus environment only; a path
// that does not exist is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnvVars(v)

	v.SetEnvPrefix("ORION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// Secrets may live only in Vault, so the overlay has to run before the
	// cross-field checks see the final values.
	if err := ApplyVaultOverlay(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies the struct-level rules plus the few cross-field checks
// tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.DNSSink.URL != "" && c.DNSSink.Token == "" {
		return fmt.Errorf("invalid configuration: dns_sink.url set without dns_sink.token")
	}
	if c.Notify.SMTP.Host != "" && len(c.Notify.SMTP.To) == 0 {
		return fmt.Errorf("invalid configuration: notify.smtp.host set without notify.smtp.to recipients")
	}
	for name, feed := range c.Intel.Feeds {
		if feed.Enabled && feed.URL == "" {
			return fmt.Errorf("invalid configuration: intel.feeds.%s enabled without url", name)
		}
	}
	return nil
}
