package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"finflow/internal/domain"
	"finflow/internal/history"
)

func tracesCmd() *cobra.Command {
	var (
		runID string
		agent string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "traces",
		Short: "List archived conversion traces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			store, err := history.NewStore(cfg.History.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer store.Close()

			traces, err := store.ListTraces(cmd.Context(), runID, agent, limit)
			if err != nil {
				return fmt.Errorf("list traces: %w", err)
			}
			if len(traces) == 0 {
				fmt.Println("no archived traces match")
				return nil
			}

			fmt.Printf("%-14s  %-8s  %-40s  %-26s  %-4s  %6s  %s\n",
				"TRACE", "RUN", "PATH", "AGENT", "OK", "MS", "ERRORS")
			for _, tr := range traces {
				ok := "yes"
				if !tr.Success {
					ok = "no"
				}
				fmt.Printf("%-14s  %-8s  %-40s  %-26s  %-4s  %6d  %s\n",
					tr.TraceID, shortID(tr.RunID),
					tr.SourceType+" -> "+tr.TargetType,
					tr.TargetAgent, ok, tr.DurationMS,
					strings.Join(tr.Errors, "; "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "only traces from this run ID")
	cmd.Flags().StringVar(&agent, "agent", "", "only traces targeting this stage")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum traces to list")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// storedReport is the export shape of one archived run.
type storedReport struct {
	Run      *history.RunRecord    `json:"run"`
	Messages []domain.Message      `json:"messages"`
	Traces   []history.TraceRecord `json:"traces"`
}

func reportCmd() *cobra.Command {
	var (
		runID   string
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export an archived run (envelopes and traces) as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			store, err := history.NewStore(cfg.History.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer store.Close()
			ctx := cmd.Context()

			if runID == "" {
				runs, err := store.ListRuns(ctx, 1)
				if err != nil {
					return fmt.Errorf("list runs: %w", err)
				}
				if len(runs) == 0 {
					return fmt.Errorf("archive has no runs")
				}
				runID = runs[0].ID
			}

			run, err := store.GetRun(ctx, runID)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			if run == nil {
				return fmt.Errorf("run %s not found", runID)
			}

			msgs, err := store.GetMessages(ctx, runID, 0)
			if err != nil {
				return fmt.Errorf("get messages: %w", err)
			}
			traces, err := store.ListTraces(ctx, runID, "", 0)
			if err != nil {
				return fmt.Errorf("list traces: %w", err)
			}

			var w io.Writer = os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create report file: %w", err)
				}
				defer f.Close()
				w = f
			}

			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			if err := enc.Encode(storedReport{Run: run, Messages: msgs, Traces: traces}); err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			if outPath != "" {
				logger.Info("report written", "run_id", runID, "path", outPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run ID to export (default: most recent)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default: stdout)")
	return cmd
}
