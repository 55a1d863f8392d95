package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simcalib/internal/report"
	"github.com/cwbudde/simcalib/internal/store"
)

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Print the result of a finished run",
	Long: `Prints the result of a finished run and optionally exports it together
with every logged evaluation.`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	addStoreFlags(reportCmd)
	addExportFlags(reportCmd)
	rootCmd.AddCommand(reportCmd)
}

// addStoreFlags registers the flags of commands that only need the run store.
func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Calibration config file, locates the output directory")
	cmd.Flags().StringVar(&outDir, "out", "", "Output directory for runs (default: out_dir of the config, or ./out)")
}

// openStore opens the run store named by --out or the config's out_dir.
func openStore(cmd *cobra.Command) (store.Store, error) {
	dir := outDir
	if dir == "" && configPath != "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		dir = runsDir(cfg)
	}
	if dir == "" {
		dir = "out"
	}
	return store.NewFSStore(dir)
}

func runReport(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}

	id := args[0]
	result, err := st.LoadResult(id)
	if err != nil {
		return fmt.Errorf("no result for run %s: %w", id, err)
	}

	out := cmd.OutOrStdout()
	if info, err := st.LoadRun(id); err == nil {
		fmt.Fprintf(out, "Run %s (%s), %s\n\n", info.RunID, info.Config.Name, info.Status)
	}
	if err := report.Print(out, result); err != nil {
		return err
	}
	return export(out, st.RunDir(id), result)
}
