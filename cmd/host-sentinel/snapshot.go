package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/nholik/host-sentinel/internal/collector"
	"github.com/nholik/host-sentinel/internal/config"
	"github.com/nholik/host-sentinel/internal/export"
	"github.com/nholik/host-sentinel/internal/health"
	"github.com/nholik/host-sentinel/internal/logging"
	"github.com/nholik/host-sentinel/internal/snapshot"
)

const (
	formatJSON = "json"
	formatCSV  = "csv"
)

func snapshotCmd() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "Collect a single snapshot and print it.",
		Description: `Runs a priming tick, waits for the sample window so rates and CPU
usage have a baseline, then prints the second snapshot.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format (json, csv).",
				Value: formatJSON,
			},
			&cli.DurationFlag{
				Name:  "sample",
				Usage: "Time between the priming tick and the reported tick.",
				Value: time.Second,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			format := cmd.String("format")
			if format != formatJSON && format != formatCSV {
				return fmt.Errorf("unknown format %q", format)
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.NewConsole(os.Stderr, logLevel(cmd, cfg))

			snap, err := sampleOnce(ctx, logger, cfg, cmd.Duration("sample"))
			if err != nil {
				return err
			}
			return writeSnapshot(cmd.Root().Writer, format, displayed(snap, cfg.ShowPerCore))
		},
	}
}

func sampleOnce(ctx context.Context, logger zerolog.Logger, cfg config.Config, window time.Duration) (snapshot.Snapshot, error) {
	coll := collector.New(
		logger.With().Str("component", "collector").Logger(),
		cfg.RefreshRate,
		newProbes(cfg),
		collector.WithTickDeadline(cfg.TickDeadline),
		collector.WithAnnotator(health.NewScorer(cfg.Thresholds, cfg.HistorySize)),
		collector.WithRunID(uuid.NewString()),
	)

	coll.Tick(ctx)
	if window > 0 {
		select {
		case <-ctx.Done():
			return snapshot.Snapshot{}, ctx.Err()
		case <-time.After(window):
		}
	}
	return coll.Tick(ctx), nil
}

func writeSnapshot(w io.Writer, format string, s snapshot.Snapshot) error {
	switch format {
	case formatCSV:
		return export.Render(w, s)
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
}
