package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nholik/host-sentinel/internal/alert"
	"github.com/nholik/host-sentinel/internal/collector"
	"github.com/nholik/host-sentinel/internal/config"
	"github.com/nholik/host-sentinel/internal/export"
	"github.com/nholik/host-sentinel/internal/health"
	"github.com/nholik/host-sentinel/internal/healthcheck"
	"github.com/nholik/host-sentinel/internal/logging"
	"github.com/nholik/host-sentinel/internal/metrics"
	"github.com/nholik/host-sentinel/internal/notify"
	"github.com/nholik/host-sentinel/internal/publish"
	"github.com/nholik/host-sentinel/internal/sensor"
	"github.com/nholik/host-sentinel/internal/server"
	"github.com/nholik/host-sentinel/internal/snapshot"
	"github.com/nholik/host-sentinel/internal/state"
)

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Collect snapshots continuously until interrupted.",
		Description: `Ticks every HS_REFRESH_RATE, serves /healthz, /readyz, /metrics and
/snapshot, and sends notifications when the host health or a telemetry
domain changes status.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "csv",
				Usage: "Append one CSV row per snapshot to this file.",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Log notifications instead of sending them.",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Bool("dry-run") {
				cfg.DryRun = true
			}
			logger := logging.NewWithLevel(logLevel(cmd, cfg)).With().Str("service", appName).Logger()
			return runDaemon(ctx, logger, cfg, cmd.String("csv"))
		},
	}
}

// logLevel lets the flag override HS_LOG_LEVEL read through config.
func logLevel(cmd *cli.Command, cfg config.Config) string {
	if cmd.IsSet("log-level") {
		return cmd.String("log-level")
	}
	return cfg.LogLevel
}

func newProbes(cfg config.Config) []collector.Probe {
	opts := sensor.Options{PingTarget: cfg.PingTarget}
	return []collector.Probe{
		sensor.NewCPU(opts),
		sensor.NewMemory(opts),
		sensor.NewStorage(opts),
		sensor.NewNetwork(opts),
		sensor.NewBoard(opts),
	}
}

func runDaemon(ctx context.Context, logger zerolog.Logger, cfg config.Config, csvPath string) error {
	runID := uuid.NewString()
	host := hostName()
	logger.Info().
		Str("run_id", runID).
		Str("host", host).
		Dur("refresh_rate", cfg.RefreshRate).
		Dur("tick_deadline", cfg.TickDeadline).
		Bool("dry_run", cfg.DryRun).
		Msg("host-sentinel starting")

	m := metrics.New()
	tracker := healthcheck.NewTracker()
	pub := publish.New(publish.WithDropObserver(m))

	coll := collector.New(
		logger.With().Str("component", "collector").Logger(),
		cfg.RefreshRate,
		newProbes(cfg),
		collector.WithTickDeadline(cfg.TickDeadline),
		collector.WithAnnotator(health.NewScorer(cfg.Thresholds, cfg.HistorySize)),
		collector.WithSink(pub),
		collector.WithMetrics(m),
		collector.WithTracker(tracker),
		collector.WithRunID(runID),
	)

	notifier, err := buildNotifier(logger, cfg)
	if err != nil {
		return err
	}
	watcher := alert.New(logger, host, buildStore(logger, cfg), notifier,
		alert.WithMetrics(m),
		alert.WithRecoveryAlerts(cfg.AlertOnRecovery),
	)

	var csvWriter *export.CSVWriter
	if csvPath != "" {
		file, writeHeader, err := openCSV(csvPath)
		if err != nil {
			return err
		}
		defer file.Close()
		csvWriter = export.NewCSVWriter(file, writeHeader)
	}

	httpServer := server.New(logger, server.Routes{
		RefreshRate: cfg.RefreshRate,
		Tracker:     tracker,
		Metrics:     m,
		Snapshots:   pub,
	}, cfg.HealthPort, cfg.MetricsPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.Run(gctx)
	})

	alertSub := pub.Subscribe(cfg.SubscriberBuffer)
	g.Go(func() error {
		watcher.Run(gctx, alertSub)
		return nil
	})

	if csvWriter != nil {
		csvSub := pub.Subscribe(cfg.SubscriberBuffer)
		csvLogger := logger.With().Str("component", "csv").Str("path", csvPath).Logger()
		g.Go(func() error {
			drainCSV(gctx, csvLogger, csvSub, csvWriter)
			return nil
		})
	}

	g.Go(func() error {
		defer pub.Close()
		return coll.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("host-sentinel stopped")
	return nil
}

// buildNotifier fans out to every configured destination. With none
// configured, alerts are only logged.
func buildNotifier(logger zerolog.Logger, cfg config.Config) (notify.Notifier, error) {
	var notifiers []notify.Notifier
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(logger, cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTemplate)
		if err != nil {
			return nil, fmt.Errorf("configure webhook: %w", err)
		}
		notifiers = append(notifiers, webhook)
	}

	var notifier notify.Notifier
	if len(notifiers) == 0 {
		notifier = notify.NewNoop(logger, "no notification destination configured")
	} else {
		notifier = notify.NewMultiNotifier(notifiers...)
	}
	if cfg.DryRun {
		notifier = notify.NewDryRunNotifier(logger, notifier)
	}
	return notifier, nil
}

func buildStore(logger zerolog.Logger, cfg config.Config) state.Store {
	if cfg.StatePath == "" {
		return state.NewMemoryStore()
	}
	return state.NewFileStore(cfg.StatePath, logger)
}

// openCSV opens path for appending and reports whether a header is needed.
func openCSV(path string) (*os.File, bool, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("open csv output: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, false, fmt.Errorf("stat csv output: %w", err)
	}
	return file, info.Size() == 0, nil
}

// drainCSV writes every snapshot in full until sub ends, then writes any rows
// still held back. Display preferences do not apply to recorded files.
func drainCSV(ctx context.Context, logger zerolog.Logger, sub *publish.Subscription, w *export.CSVWriter) {
	publish.Drain(ctx, logger, sub, "csv", w.WriteSnapshot)
	if err := w.Flush(); err != nil {
		logger.Error().Err(err).Msg("flush held-back csv rows")
	}
}

// displayed applies output preferences to a snapshot before it is rendered.
func displayed(s snapshot.Snapshot, showPerCore bool) snapshot.Snapshot {
	if !showPerCore {
		s.CPU.PerCorePct = snapshot.Unavailable[[]float64]("hidden")
	}
	return s
}

func hostName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}
