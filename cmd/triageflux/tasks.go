package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// Expected scheduling intervals for the periodic tasks, used by the
// catch-up guard to detect missed runs.
var taskIntervals = map[string]time.Duration{
	"correlate": time.Hour,
	"trends":    24 * time.Hour,
	"prune":     24 * time.Hour,
}

func newCorrelateCmd() *cobra.Command {
	var dryRun bool
	var lookbackDays, minCoOccurrences int

	cmd := &cobra.Command{
		Use:   "correlate",
		Short: "Scan event streams and promote co-occurring entities into the knowledge store",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			if lookbackDays == 0 {
				lookbackDays = app.cfg.Tunables.LookbackDays
			}
			if minCoOccurrences == 0 {
				minCoOccurrences = app.cfg.Tunables.MinCoOccurrences
			}

			result, err := app.correlator.Correlate(lookbackDays, minCoOccurrences, dryRun)
			if err != nil {
				return err
			}
			if !dryRun {
				if err := app.guard.RecordRun("correlate"); err != nil {
					app.logger.Warn("Failed to record task run", "task", "correlate", "error", err)
				}
			}
			return printJSON(result)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the graph without writing edges")
	cmd.Flags().IntVar(&lookbackDays, "lookback", 0, "lookback window in days (default from config)")
	cmd.Flags().IntVar(&minCoOccurrences, "min-co-occurrences", 0, "minimum pair weight (default from config)")
	return cmd
}

func newTrendsCmd() *cobra.Command {
	var metric, period string

	cmd := &cobra.Command{
		Use:   "trends",
		Short: "Analyze event volume trends and alert on significant changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			tunables := app.cfg.Tunables
			result, alert, err := app.alerter.CheckAndAlert(metric, period, tunables.LookbackDays,
				nil, tunables.TrendThresholdPct, tunables.TrendAlertOnIncrease)
			if err != nil {
				return err
			}
			if err := app.guard.RecordRun("trends"); err != nil {
				app.logger.Warn("Failed to record task run", "task", "trends", "error", err)
			}
			return printJSON(map[string]interface{}{"result": result, "alert": alert})
		},
	}

	cmd.Flags().StringVar(&metric, "metric", "events", "stream name to analyze")
	cmd.Flags().StringVar(&period, "period", "day", "bucket period: day, week or month")
	return cmd
}

func newCalibrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate",
		Short: "Recompute classification accuracy from recorded feedback",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			calibration, err := app.loop.Calibrate()
			if err != nil {
				return err
			}
			return printJSON(calibration)
		},
	}
}

func newCatchupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catchup",
		Short: "Detect and report periodic tasks that missed their schedule",
		Long: `Check each periodic task against its expected interval. A task
more than twice its interval overdue is reported as needing catch-up;
run the named subcommand to catch it up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			report := make(map[string]interface{})
			for task, interval := range taskIntervals {
				check, err := app.guard.ShouldCatchUp(task, interval)
				if err != nil {
					return fmt.Errorf("check task %q: %w", task, err)
				}
				report[task] = check
				if check.CatchupTriggered {
					app.logger.Warn("Task missed its schedule",
						"task", task, "missed", check.MissedDurationHuman)
				}
			}
			return printJSON(report)
		},
	}
}

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Expire old knowledge edges and evict the evidence cache to budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			tunables := app.cfg.Tunables
			pruned, err := app.know.Prune(tunables.KnowledgeMaxAgeDays)
			if err != nil {
				return err
			}

			evicted, err := app.evidence.Evict(int64(tunables.CacheMaxSizeMB) * 1024 * 1024)
			if err != nil {
				return err
			}

			if err := app.guard.RecordRun("prune"); err != nil {
				app.logger.Warn("Failed to record task run", "task", "prune", "error", err)
			}
			return printJSON(map[string]interface{}{
				"knowledge": pruned,
				"cache":     evicted,
			})
		},
	}
}
