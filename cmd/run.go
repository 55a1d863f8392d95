package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simcalib/internal/calib"
	"github.com/cwbudde/simcalib/internal/config"
	"github.com/cwbudde/simcalib/internal/opt"
	"github.com/cwbudde/simcalib/internal/report"
	"github.com/cwbudde/simcalib/internal/runlog"
)

var (
	runID    string
	xlsxPath string
	jsonPath string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a calibration",
	Long: `Runs the configured optimizer against the simulator or analytic objective.
Results, evaluation logs and checkpoints are written to a run directory
below the output directory.`,
	Args: cobra.NoArgs,
	RunE: runCalibration,
}

func init() {
	addConfigFlags(runCmd)
	addSessionFlags(runCmd)
	runCmd.Flags().StringVar(&runID, "run-id", "", "Name of the run directory (default: random UUID)")
	addExportFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Parallel evaluations (default: workers of the config)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Keep every evaluation directory")
}

func addExportFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "Also write the result and all evaluations to this workbook")
	cmd.Flags().StringVar(&jsonPath, "json", "", "Also write the result to this JSON file")
}

func runCalibration(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := sessionOptions()
	opts.RunID = runID
	outcome, err := calib.Run(cmd.Context(), cfg, opts)
	return finishRun(cmd, outcome, err, cfg.Search.Kind())
}

// finishRun prints the outcome of run and resume.
func finishRun(cmd *cobra.Command, outcome *calib.Outcome, err error, kind string) error {
	out := cmd.OutOrStdout()
	if err != nil {
		if outcome != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			fmt.Fprintf(out, "Run %s interrupted, state kept in %s\n", outcome.RunID, outcome.RunDir)
			if kind == config.KindSequential {
				fmt.Fprintf(out, "Continue with: simcalib resume %s --config %s\n", outcome.RunID, configPath)
			}
		}
		return err
	}

	fmt.Fprintf(out, "Run %s finished, results in %s\n\n", outcome.RunID, outcome.RunDir)
	if err := report.Print(out, outcome.Result); err != nil {
		return err
	}
	return export(out, outcome.RunDir, outcome.Result)
}

// export writes the optional --json and --xlsx files.
func export(out io.Writer, runDir string, result *opt.Result) error {
	if jsonPath != "" {
		if err := report.WriteJSON(jsonPath, result); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nWrote %s\n", jsonPath)
	}
	if xlsxPath != "" {
		evals, err := runlog.ReadCSV(filepath.Join(runDir, runlog.ResultFile))
		if err != nil {
			slog.Warn("Evaluations not available for workbook", "error", err)
			evals = nil
		}
		if err := report.WriteXLSX(xlsxPath, result, evals); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nWrote %s\n", xlsxPath)
	}
	return nil
}
