package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/sgerhart/triageflux/internal/auditlog"
	"github.com/sgerhart/triageflux/internal/cache"
	"github.com/sgerhart/triageflux/internal/classify"
	"github.com/sgerhart/triageflux/internal/config"
	"github.com/sgerhart/triageflux/internal/correlate"
	"github.com/sgerhart/triageflux/internal/cronstate"
	"github.com/sgerhart/triageflux/internal/feedback"
	"github.com/sgerhart/triageflux/internal/infra"
	"github.com/sgerhart/triageflux/internal/investigate"
	"github.com/sgerhart/triageflux/internal/knowledge"
	"github.com/sgerhart/triageflux/internal/logstream"
	"github.com/sgerhart/triageflux/internal/metrics"
	"github.com/sgerhart/triageflux/internal/notify"
	"github.com/sgerhart/triageflux/internal/pipeline"
	"github.com/sgerhart/triageflux/internal/playbook"
	"github.com/sgerhart/triageflux/internal/reasoning"
	"github.com/sgerhart/triageflux/internal/statestore"
	"github.com/sgerhart/triageflux/internal/trend"
	"github.com/sgerhart/triageflux/internal/verify"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "triageflux",
		Short:         "Automated event triage and remediation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newCorrelateCmd(),
		newTrendsCmd(),
		newCalibrateCmd(),
		newCatchupCmd(),
		newPruneCmd(),
	)
	return root
}

// app holds every wired component. Commands build it once and use the
// pieces they need.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	nc      *nats.Conn
	manager *config.Manager
	metrics *metrics.Metrics

	evidence  *cache.Cache
	know      *knowledge.Store
	states    *statestore.FileStore
	guard     *cronstate.Guard
	loop      *feedback.Loop
	catalog   *infra.Catalog
	playbooks *playbook.Registry
	reader    *logstream.Reader
	pipeline  *pipeline.Pipeline

	correlator *correlate.Correlator
	trends     *trend.Engine
	alerter    *trend.Alerter
}

// unconfiguredClient stands in when no reasoning endpoint is set; the
// pipeline's documented fallbacks handle the failures.
type unconfiguredClient struct{}

func (unconfiguredClient) Complete(ctx context.Context, prompt string) (string, error) {
	return "", fmt.Errorf("reasoning endpoint is not configured (set TRIAGE_REASONING_API_KEY)")
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func buildApp() (*app, error) {
	cfg := config.Load()
	logger := newLogger()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
		}
		nc = conn
		logger.Info("Connected to NATS", "url", cfg.NATSURL)
	}

	manager := config.NewManager(cfg.Tunables, logger)

	states, err := statestore.NewFileStore(filepath.Join(cfg.DataDir, "state"), logger)
	if err != nil {
		return nil, err
	}

	knowledgeLog, err := auditlog.NewFileLog(filepath.Join(cfg.DataDir, "knowledge.ndjson"))
	if err != nil {
		return nil, err
	}
	feedbackLog, err := auditlog.NewFileLog(filepath.Join(cfg.DataDir, "feedback.ndjson"))
	if err != nil {
		return nil, err
	}
	executionLog, err := auditlog.NewFileLog(filepath.Join(cfg.DataDir, "executions.ndjson"))
	if err != nil {
		return nil, err
	}
	verificationLog, err := auditlog.NewFileLog(filepath.Join(cfg.DataDir, "verifications.ndjson"))
	if err != nil {
		return nil, err
	}

	evidence := cache.New(cfg.CachePath, logger)
	know := knowledge.NewStore(knowledgeLog, logger)
	loop := feedback.NewLoop(feedbackLog, states, logger)
	guard := cronstate.NewGuard(states, logger)

	catalog := infra.NewCatalog(cfg.ProbesDir, cfg.ProbesHotReload, logger)
	caps := infra.ParseCapabilities(cfg.Capabilities)
	runner := infra.NewCLIRunner(catalog, infra.ExecCommandExecutor{}, time.Duration(cfg.Tunables.ProbeTimeoutSeconds)*time.Second, logger)

	var client reasoning.Client
	if cfg.ReasoningAPIKey != "" {
		openaiClient, err := reasoning.NewOpenAIClient(reasoning.OpenAIConfig{
			BaseURL: cfg.ReasoningBaseURL,
			APIKey:  cfg.ReasoningAPIKey,
			Model:   cfg.ReasoningModel,
		}, logger)
		if err != nil {
			return nil, err
		}
		client = openaiClient
	} else {
		logger.Warn("No reasoning endpoint configured; events will queue for manual review")
		client = unconfiguredClient{}
	}

	engine := investigate.New(catalog, runner, caps, evidence, know, client, logger)
	playbooks := playbook.NewRegistry(infra.ExecCommandExecutor{}, executionLog, logger)
	verifier := verify.New(runner, client, verificationLog, logger)
	notifier := notify.New(cfg.WebhookURL, nc, logger)

	streamDir := filepath.Join(cfg.DataDir, "streams")
	eventsWriter, err := logstream.NewWriter(streamDir, "events")
	if err != nil {
		return nil, err
	}
	reader := logstream.NewReader(streamDir, logger)

	m := metrics.New()

	p := pipeline.New(pipeline.Options{
		Classifier: classify.New(client, logger),
		Engine:     engine,
		Playbooks:  playbooks,
		Verifier:   verifier,
		Notifier:   notifier,
		Evidence:   evidence,
		Feedback:   loop,
		Events:     eventsWriter,
		Metrics:    m,
		Logger:     logger,
		DedupeCap:  cfg.Tunables.DedupeCap,
		DedupeTTL:  time.Duration(cfg.Tunables.DedupeTTLSeconds) * time.Second,
	})

	alertLog, err := auditlog.NewFileLog(filepath.Join(cfg.DataDir, "alerts.ndjson"))
	if err != nil {
		return nil, err
	}
	trendEngine := trend.NewEngine(reader, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		nc:         nc,
		manager:    manager,
		metrics:    m,
		evidence:   evidence,
		know:       know,
		states:     states,
		guard:      guard,
		loop:       loop,
		catalog:    catalog,
		playbooks:  playbooks,
		reader:     reader,
		pipeline:   p,
		correlator: correlate.New(reader, know, logger),
		trends:     trendEngine,
		alerter:    trend.NewAlerter(trendEngine, alertLog, logger),
	}, nil
}

func (a *app) close() {
	if a.nc != nil {
		a.nc.Close()
	}
	a.catalog.Close()
	if err := a.evidence.Close(); err != nil {
		a.logger.Warn("Failed to close evidence cache", "error", err)
	}
}
