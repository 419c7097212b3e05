package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"finflow/internal/config"
	"finflow/internal/logging"
)

var version = "0.1.0"

// logger starts as a bootstrap stderr logger; loadConfig swaps it for one
// honoring the configured level and log file.
var logger *slog.Logger

// configPath is the --config override; empty means the default location.
var configPath string

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("cannot load .env file", "err", err)
	}

	root := &cobra.Command{
		Use:   "finflow",
		Short: "Typed data exchange for multi-stage financial analysis pipelines",
		Long: `FinFlow wraps pipeline stage outputs into typed envelopes, converts them
to the data type the next stage expects, compresses trajectories into each
stage's context budget, and traces every conversion for debugging.`,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config file (default: ~/.finflow/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(tracesCmd())
	root.AddCommand(reportCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the --config value when set, otherwise the
// default location under the user's home.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it is
// missing or broken, and swaps the process logger for one at the configured
// level and file. Commands that must surface load errors call config.Load
// directly.
func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not loaded, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		cfg.General.DataDir = config.ExpandPath(cfg.General.DataDir)
		cfg.Pipeline.ProfileDir = config.ExpandPath(cfg.Pipeline.ProfileDir)
		cfg.History.DBPath = config.ExpandPath(cfg.History.DBPath)
	}
	logger = logging.New(logging.Options{
		Level: cfg.General.LogLevel,
		File:  cfg.General.LogFile,
	})
	return cfg
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}

			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			profileDir := config.ExpandPath(cfg.Pipeline.ProfileDir)
			if profileDir != "" {
				if err := os.MkdirAll(profileDir, 0o755); err != nil {
					logger.Warn("cannot create profile directory", "path", profileDir, "err", err)
				}
			}

			fmt.Printf("Created %s\n", cfgPath)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Drop stage profile YAML files into " + cfg.Pipeline.ProfileDir + " (optional)")
			fmt.Println("  2. Run 'finflow doctor' to verify the setup")
			fmt.Println("  3. Run 'finflow run --fixtures <file>' to replay a pipeline run")
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get and set configuration values",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <path>",
		Short: "Get a config value (e.g. compression.defaultBudgetTokens)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <path> <value>",
		Short: "Set a config value (e.g. compression.keepRecent 2)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Set %s = %s\n", args[0], args[1])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values as settable paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(cfg)
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the FinFlow version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("finflow %s\n", version)
		},
	}
}
