package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"finflow/internal/compress"
	"finflow/internal/config"
	"finflow/internal/domain"
	"finflow/internal/history"
	"finflow/internal/metrics"
	"finflow/internal/pipeline"
	"finflow/internal/trace"
)

// fixture is one recorded stage output fed into a replayed run.
type fixture struct {
	Sender   string         `json:"sender"`
	DataType string         `json:"data_type"`
	Content  map[string]any `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func runCmd() *cobra.Command {
	var (
		fixturesPath string
		query        string
		budget       int
		outPath      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a pipeline run from recorded stage outputs",
		Long: `Reads a JSON array of stage outputs ({sender, data_type, content, metadata})
in execution order, wraps each into a typed envelope, and before every
handoff adapts the trajectory to the next stage's expected type, fits it to
the stage's context budget and prints the serialized context. The run is
archived when history is enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			data, err := os.ReadFile(fixturesPath)
			if err != nil {
				return fmt.Errorf("read fixtures: %w", err)
			}
			var fixtures []fixture
			if err := json.Unmarshal(data, &fixtures); err != nil {
				return fmt.Errorf("parse fixtures: %w", err)
			}
			if len(fixtures) == 0 {
				return fmt.Errorf("no stage outputs in %s", fixturesPath)
			}

			profiles, err := buildProfiles(cfg)
			if err != nil {
				return err
			}
			defaultBudget := cfg.Compression.DefaultBudgetTokens
			if budget > 0 {
				defaultBudget = budget
				for _, p := range profiles.List() {
					p.BudgetTokens = budget
					profiles.Add(p)
				}
			}

			ex := pipeline.NewExchange(pipeline.ExchangeConfig{
				Query:    query,
				Profiles: profiles,
				Compressor: compress.NewCompressor(compress.CompressorConfig{
					KeepRecent: cfg.Compression.KeepRecent,
					Logger:     logger,
				}),
				DefaultBudget: defaultBudget,
				Logger:        logger,
			})

			ex.Events().On("*", func(ev trace.Event) {
				logger.Debug("flow event",
					"type", ev.Type, "source", ev.Source, "target", ev.Target,
					"data_type", string(ev.DataType), "size", ev.Size, "status", ev.Status)
			})

			stopMetrics := startMetricsServer(cfg)
			defer stopMetrics()

			var (
				trajectory []domain.Message
				lastFit    compress.Metrics
				deliveries int
			)
			for i, fx := range fixtures {
				msg := ex.Wrap(fx.Sender, domain.DataType(fx.DataType), fx.Content, fx.Metadata)
				trajectory = append(trajectory, msg)

				if i+1 >= len(fixtures) {
					break
				}
				next := fixtures[i+1].Sender

				adapted := ex.AdaptTrajectory(trajectory, next)
				fitted, m := ex.Fit(adapted, next)
				serialized := ex.Serialize(fitted)
				lastFit = m
				deliveries++

				ex.Events().Emit(trace.Event{
					Type:   trace.EventDelivery,
					Source: fx.Sender,
					Target: next,
					Size:   len(serialized),
					Status: trace.StatusOK,
				})

				fmt.Printf("=== context for %s ===\n", next)
				fmt.Println(serialized)
				fmt.Printf("--- strategy=%s messages=%d>%d tokens=%d>%d\n\n",
					m.Strategy, m.OriginalCount, m.CompressedCount,
					m.EstimatedBefore, m.EstimatedAfter)
			}

			sum := ex.Summary()
			diag := ex.Tracer().Diagnose()
			fmt.Printf("run %s\n", sum.RunID)
			if sum.Query != "" {
				fmt.Printf("  query:       %s\n", sum.Query)
			}
			fmt.Printf("  deliveries:  %d\n", deliveries)
			fmt.Printf("  messages:    %d wrapped, %d schema fallbacks\n", sum.Wrapped, sum.Fallbacks)
			fmt.Printf("  conversions: %d traced, %.0f%% success\n", sum.Traced, diag.SuccessRate*100)
			fmt.Printf("  health:      %s\n", diag.Health)
			for _, issue := range diag.Issues {
				fmt.Printf("    issue: %s\n", issue)
			}

			if outPath != "" {
				if err := writeDebugReport(ex, outPath); err != nil {
					return err
				}
			}

			if cfg.History.Enabled {
				if err := archiveRun(cmd.Context(), cfg, ex, trajectory, deliveries, lastFit); err != nil {
					logger.Warn("cannot archive run", "run_id", sum.RunID, "err", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&fixturesPath, "fixtures", "f", "", "JSON file with recorded stage outputs (required)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "analysis request this run serves")
	cmd.Flags().IntVarP(&budget, "budget", "b", 0, "override every stage's token budget")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the flow debug report to this file")
	cmd.MarkFlagRequired("fixtures")
	return cmd
}

// buildProfiles assembles the stage registry: built-in stages plus the
// profile directory, or the directory alone when built-ins are disabled.
func buildProfiles(cfg *config.Config) (*pipeline.Profiles, error) {
	if cfg.Pipeline.BuiltinProfiles {
		profiles, err := pipeline.LoadProfiles(cfg.Pipeline.ProfileDir, logger)
		if err != nil {
			return nil, fmt.Errorf("load profiles: %w", err)
		}
		return profiles, nil
	}
	profiles := pipeline.NewProfiles(nil)
	if err := profiles.LoadDir(cfg.Pipeline.ProfileDir, logger); err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	return profiles, nil
}

// startMetricsServer exposes the Prometheus endpoint for the duration of the
// run. The returned func shuts it down.
func startMetricsServer(cfg *config.Config) func() {
	if !cfg.Metrics.Enabled {
		return func() {}
	}
	addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()
	logger.Info("metrics endpoint up", "addr", "http://"+addr+"/metrics")
	return func() { srv.Close() }
}

func writeDebugReport(ex *pipeline.Exchange, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()
	if err := ex.Tracer().WriteReport(f); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	logger.Info("debug report written", "path", path)
	return nil
}

// archiveRun persists the run row, its envelopes and its conversion traces.
// The run row records the final delivery's compression accounting.
func archiveRun(ctx context.Context, cfg *config.Config, ex *pipeline.Exchange,
	trajectory []domain.Message, deliveries int, lastFit compress.Metrics) error {

	store, err := history.NewStore(cfg.History.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sum := ex.Summary()
	rec := history.RunRecord{
		ID:           sum.RunID,
		Query:        sum.Query,
		StartedAt:    sum.StartedAt,
		FinishedAt:   time.Now(),
		Stages:       deliveries,
		Messages:     len(trajectory),
		TokensBefore: lastFit.EstimatedBefore,
		TokensAfter:  lastFit.EstimatedAfter,
		Strategy:     string(lastFit.Strategy),
	}
	if err := store.SaveRun(ctx, rec); err != nil {
		return err
	}
	if err := store.SaveMessages(ctx, sum.RunID, trajectory); err != nil {
		return err
	}
	tracer := ex.Tracer()
	if err := store.SaveTraces(ctx, sum.RunID, tracer.Recent(tracer.Count())); err != nil {
		return err
	}
	logger.Info("run archived",
		"run_id", sum.RunID, "messages", len(trajectory), "traces", tracer.Count())
	return nil
}
