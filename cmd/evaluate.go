package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simcalib/internal/calib"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <run-id>",
	Short: "Run the simulator once with the best parameters of a run",
	Long: `Renders the inputs with the best parameters of a finished run, runs the
simulator and keeps the evaluation directory for inspection.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvaluate,
}

func init() {
	addConfigFlags(evaluateCmd)
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	objective, dir, err := calib.EvaluateBest(cmd.Context(), cfg, args[0], sessionOptions())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Objective: %.6g\n", objective)
	fmt.Fprintf(out, "Directory: %s\n", dir)
	return nil
}
