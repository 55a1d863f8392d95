package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simcalib/internal/calib"
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the number of simulator runs of a calibration",
	Args:  cobra.NoArgs,
	RunE:  runEstimate,
}

func init() {
	addConfigFlags(estimateCmd)
	rootCmd.AddCommand(estimateCmd)
}

func runEstimate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fewest, most, err := calib.Estimate(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Optimizer: %s\n", cfg.Search.Kind())
	if fewest == most {
		fmt.Fprintf(out, "Evaluations: %d\n", most)
	} else {
		fmt.Fprintf(out, "Evaluations: %d to %d\n", fewest, most)
	}
	return nil
}
