package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simcalib/internal/calib"
	"github.com/cwbudde/simcalib/internal/config"
)

var (
	logLevel string
	logger   *slog.Logger
	levelVar = new(slog.LevelVar)
)

// Flags shared by the commands that work on a config and its runs.
var (
	configPath string
	outDir     string
	workers    int
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "simcalib",
	Short: "Parameter calibration for external simulators",
	Long: `simcalib searches simulator parameters that minimise the misfit between
simulated and observed time series. Each evaluation renders input templates,
runs the simulator in its own directory and scores its output.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		levelVar.Set(parseLevel(logLevel))
		opts := &slog.HandlerOptions{Level: levelVar}
		handler := slog.NewJSONHandler(os.Stderr, opts)
		logger = slog.New(handler)
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// addConfigFlags registers the flags of commands that load a config.
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Calibration config file (required)")
	cmd.Flags().StringVar(&outDir, "out", "", "Output directory for runs (default: out_dir of the config)")
	cmd.MarkFlagRequired("config")
}

// loadConfig reads the config named by --config. Its log_level applies
// unless --log-level was given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flag("log-level"); f == nil || !f.Changed {
		levelVar.Set(parseLevel(cfg.LogLevel))
	}
	return cfg, nil
}

func sessionOptions() calib.Options {
	return calib.Options{
		ConfigPath: configPath,
		OutDir:     outDir,
		Workers:    workers,
		Debug:      debug,
		Logger:     slog.Default(),
	}
}

// runsDir is where the run commands find the store.
func runsDir(cfg *config.Config) string {
	if outDir != "" {
		return outDir
	}
	return cfg.Path(cfg.OutDir)
}

func displayID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func formatObjective(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6g", *v)
}
