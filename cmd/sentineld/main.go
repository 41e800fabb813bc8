// @title        Orion Sentinel NetSec API
// @version      1.0
// @description  Device inventory, threat intel, playbook, and health score administration.
// @host         localhost:8710
// @BasePath     /
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orion-sentinel/netsec/internal/action"
	"github.com/orion-sentinel/netsec/internal/config"
	"github.com/orion-sentinel/netsec/internal/device"
	"github.com/orion-sentinel/netsec/internal/event"
	"github.com/orion-sentinel/netsec/internal/health"
	"github.com/orion-sentinel/netsec/internal/intel"
	"github.com/orion-sentinel/netsec/internal/inventory"
	"github.com/orion-sentinel/netsec/internal/logstore"
	"github.com/orion-sentinel/netsec/internal/notify"
	"github.com/orion-sentinel/netsec/internal/playbook"
	"github.com/orion-sentinel/netsec/internal/scheduler"
	"github.com/orion-sentinel/netsec/internal/scoring"
	"github.com/orion-sentinel/netsec/internal/server"
	"github.com/orion-sentinel/netsec/internal/soar"
	"github.com/orion-sentinel/netsec/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the sentineld config file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("configuration load failed", zap.Error(err))
	}

	// --- OpenTelemetry ---
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracerProvider(context.Background(), "sentineld", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "sentineld", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	// --- Durable State ---
	devices, err := device.Open(cfg.Paths.DeviceStore, logger)
	if err != nil {
		logger.Fatal("device store open failed", zap.Error(err), zap.String("path", cfg.Paths.DeviceStore))
	}
	defer devices.Close()

	iocs, err := intel.OpenStore(cfg.Paths.IOCStore, logger)
	if err != nil {
		logger.Fatal("IOC store open failed", zap.Error(err), zap.String("path", cfg.Paths.IOCStore))
	}
	defer iocs.Close()

	checkpoint, err := soar.OpenCheckpoint(cfg.Paths.Checkpoint)
	if err != nil {
		logger.Fatal("response checkpoint open failed", zap.Error(err), zap.String("path", cfg.Paths.Checkpoint))
	}

	// --- Log Store & Event Pipeline ---
	logs, err := logstore.New(logstore.Config{
		URL:          cfg.LogStore.URL,
		PushTimeout:  cfg.LogStore.PushTimeout,
		QueryTimeout: cfg.LogStore.QueryTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("log store client init failed", zap.Error(err))
	}

	emitter := event.NewEmitter(logs, event.Config{
		AppLabel:     cfg.AppLabel,
		QueueSize:    cfg.Emitter.QueueSize,
		DrainTimeout: cfg.Emitter.DrainTimeout,
	}, logger)

	// --- Notifications & Actions ---
	var transports []notify.Transport
	if cfg.Notify.SMTP.Host != "" {
		transports = append(transports, notify.NewEmailTransport(notify.SMTPConfig{
			Host:     cfg.Notify.SMTP.Host,
			Port:     cfg.Notify.SMTP.Port,
			Username: cfg.Notify.SMTP.Username,
			Password: cfg.Notify.SMTP.Password,
			From:     cfg.Notify.SMTP.From,
			To:       cfg.Notify.SMTP.To,
		}, logger))
	}
	if cfg.Notify.Slack.Token != "" {
		transports = append(transports, notify.NewSlackTransport(notify.SlackConfig{
			Token:   cfg.Notify.Slack.Token,
			Channel: cfg.Notify.Slack.Channel,
		}, logger))
	}
	if cfg.Notify.Webhook.URL != "" {
		transports = append(transports, notify.NewWebhookTransport(notify.WebhookConfig{
			URL:    cfg.Notify.Webhook.URL,
			Secret: cfg.Notify.Webhook.Secret,
		}, logger))
	}
	notifier := notify.NewDispatcher(logger, transports...)

	execs := []action.Executor{
		action.NewTagDeviceExecutor(devices, logger),
		action.NewSendNotificationExecutor(notifier, logger),
		action.NewSimulateExecutor(logger),
	}
	if cfg.DNSSink.URL != "" {
		sink := action.NewSinkClient(cfg.DNSSink.URL, cfg.DNSSink.Token)
		execs = append(execs, action.NewBlockDomainExecutor(sink, logger))
	}
	actions := action.NewRegistry(logger, execs...)

	engine := playbook.NewEngine(cfg.Paths.Playbooks, playbook.LoadOptions{
		AllowEmpty: cfg.Playbooks.AllowEmpty,
		Actions:    actions,
	}, logger)
	if err := engine.Load(); err != nil {
		logger.Fatal("playbook load failed", zap.Error(err), zap.String("path", cfg.Paths.Playbooks))
	}

	// --- Detection & Response Services ---
	scorers := scoring.NewRegistry()

	collector := inventory.NewCollector(devices, logs, emitter.For("inventory"), inventory.CollectorConfig{
		EVESelector: cfg.EVE.Selector,
		Lookback:    cfg.Inventory.Lookback,
		QueryLimit:  cfg.Inventory.QueryLimit,
	}, logger)

	correlator, err := intel.NewCorrelator(iocs, logs, devices, emitter.For("ti-correlator"), scorers, intel.CorrelatorConfig{
		EVESelector:     cfg.EVE.Selector,
		Lookback:        cfg.Correlate.Lookback,
		SuppressWindow:  cfg.Correlate.SuppressWindow,
		QueryLimit:      cfg.Correlate.QueryLimit,
		DeviceThreshold: cfg.Correlate.DeviceThreshold,
		DomainThreshold: cfg.Correlate.DomainThreshold,
	}, logger)
	if err != nil {
		logger.Fatal("correlator init failed", zap.Error(err))
	}

	ingestor := intel.NewIngestor(iocs, intel.IngestConfig{
		Feeds:     feedList(cfg.Intel.Feeds),
		Retention: cfg.Intel.Retention,
	}, logger)

	responder := soar.New(logs, engine, actions, emitter.For("soar"), checkpoint, soar.Config{
		AppLabel:      cfg.AppLabel,
		QueryLimit:    cfg.SOAR.QueryLimit,
		MaxConcurrent: cfg.SOAR.MaxConcurrent,
		ReplayBound:   cfg.SOAR.ReplayBound,
		GlobalDryRun:  cfg.SOAR.DryRun,
	}, logger)

	scorekeeper := health.New(devices, logs, emitter.For("health-score"), health.Config{
		AppLabel:          cfg.AppLabel,
		EVESelector:       cfg.EVE.Selector,
		HygienePath:       cfg.Paths.Hygiene,
		HighRiskThreshold: cfg.Health.HighRiskThreshold,
		Thresholds:        cfg.Health.Thresholds,
	}, logger)

	// --- Scheduler ---
	sched := scheduler.New(emitter.For("scheduler"), scheduler.Config{Grace: cfg.Shutdown.Grace}, logger)
	sched.RegisterWorker("event-emitter", emitter.Run)
	sched.Register(collector, cfg.Intervals.Inventory)
	sched.Register(correlator, cfg.Intervals.Correlate)
	sched.Register(responder, cfg.Intervals.SOAR)
	sched.Register(scorekeeper, cfg.Intervals.Health)
	if err := sched.RegisterCron(cfg.Intervals.IngestSchedule, scheduler.RunnerFunc("ti-ingest", ingestor.RunOnce)); err != nil {
		logger.Fatal("ingest schedule invalid", zap.Error(err))
	}
	retention := scheduler.RunnerFunc("ti-retention", func(ctx context.Context) error {
		_, err := iocs.PurgeOlderThan(ctx, cfg.Intel.Retention)
		return err
	})
	if err := sched.RegisterCron(cfg.Intervals.RetentionSchedule, retention); err != nil {
		logger.Fatal("retention schedule invalid", zap.Error(err))
	}
	sched.Start(context.Background())

	// --- HTTP Server ---
	srv := server.New(server.Config{Listen: cfg.Admin.Listen}, devices, iocs, engine, scorekeeper, sched, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Grace+5*time.Second)
	defer cancel()

	sched.Stop() // stop ticking and drain queued events before HTTP goes away

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("sentineld shut down cleanly")
}

// feedList flattens the config feed map into the ingestor's slice form,
// sorted by name so feed order is stable across restarts.
func feedList(feeds map[string]config.FeedConfig) []intel.FeedConfig {
	names := make([]string, 0, len(feeds))
	for name := range feeds {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]intel.FeedConfig, 0, len(names))
	for _, name := range names {
		f := feeds[name]
		out = append(out, intel.FeedConfig{
			Name:    name,
			URL:     f.URL,
			Enabled: f.Enabled,
			APIKey:  f.APIKey,
		})
	}
	return out
}
