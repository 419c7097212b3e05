package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"finflow/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your FinFlow installation",
		Long: `Verifies that FinFlow's configuration, run archive, stage profiles and
metrics endpoint are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("FinFlow Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'finflow init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}

			// 3. Data directory writable
			if cfg.General.DataDir != "" {
				if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
					printFail("Data directory", fmt.Sprintf("cannot create: %v", err))
					failed++
				} else {
					printPass("Data directory", cfg.General.DataDir)
					passed++
				}
			} else {
				printWarn("Data directory", "not configured")
				warned++
			}

			// 4. Run archive writable
			if cfg.History.Enabled {
				if err := checkDatabase(cfg.History.DBPath); err != nil {
					printFail("Run archive", err.Error())
					failed++
				} else {
					printPass("Run archive", cfg.History.DBPath)
					passed++
				}
			} else {
				printWarn("Run archive", "disabled; runs will not be archived")
				warned++
			}

			// 5. Stage profiles
			checkProfiles(cfg, &passed, &warned)

			// 6. Metrics port
			if cfg.Metrics.Enabled {
				if err := checkPort(cfg.Metrics.Host, cfg.Metrics.Port); err != nil {
					printWarn("Metrics port",
						fmt.Sprintf("%s:%d may be in use: %v", cfg.Metrics.Host, cfg.Metrics.Port, err))
					warned++
				} else {
					printPass("Metrics port",
						fmt.Sprintf("%s:%d available", cfg.Metrics.Host, cfg.Metrics.Port))
					passed++
				}
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running FinFlow.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nFinFlow should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! FinFlow is ready to run.\n")
			}
			return nil
		},
	}
}

func checkProfiles(cfg *config.Config, passed, warned *int) {
	dir := cfg.Pipeline.ProfileDir
	if dir == "" {
		printWarn("Stage profiles", "no profile directory; using built-in stages only")
		*warned++
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		printWarn("Stage profiles", fmt.Sprintf("%s missing; using built-in stages only", dir))
		*warned++
		return
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml") {
			count++
		}
	}
	printPass("Stage profiles", fmt.Sprintf("%s (%d profile files)", dir, count))
	*passed++
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
