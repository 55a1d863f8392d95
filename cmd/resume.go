package main

import (
	"github.com/spf13/cobra"

	"github.com/cwbudde/simcalib/internal/calib"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a sequential run from its checkpoint",
	Long: `Continues an interrupted sequential run with the next step after its last
checkpoint. The config must search the same parameters with the same
optimizer. Evaluation logs of the run are appended to.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	addConfigFlags(resumeCmd)
	addSessionFlags(resumeCmd)
	addExportFlags(resumeCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	outcome, err := calib.Resume(cmd.Context(), cfg, args[0], sessionOptions())
	return finishRun(cmd, outcome, err, cfg.Search.Kind())
}
