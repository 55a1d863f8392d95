// Package report presents a finished calibration.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/cwbudde/simcalib/internal/opt"
)

// Print writes a summary and a per-parameter table.
func Print(w io.Writer, r *opt.Result) error {
	fmt.Fprintf(w, "Optimizer:         %s\n", r.Optimizer)
	fmt.Fprintf(w, "Initial objective: %s\n", formatObjective(r.InitialObjective))
	fmt.Fprintf(w, "Best objective:    %s\n", formatObjective(r.BestObjective))
	if improvement, ok := Improvement(r); ok {
		fmt.Fprintf(w, "Improvement:       %.1f%%\n", improvement)
	}
	fmt.Fprintf(w, "Evaluations:       %d\n", r.Evaluations)
	if r.Steps > 0 {
		fmt.Fprintf(w, "Steps:             %d\n", r.Steps)
	}
	fmt.Fprintf(w, "Stop reason:       %s\n\n", r.StopReason)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PARAMETER\tINITIAL\tBEST\tRANGE")
	fmt.Fprintln(tw, "---------\t-------\t----\t-----")
	for _, p := range r.Parameters {
		validRange := "-"
		if p.ValidRange != nil {
			validRange = fmt.Sprintf("[%s, %s]", formatFloat(p.ValidRange.Low), formatFloat(p.ValidRange.High))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, formatFloat(p.Initial), formatFloat(p.Best), validRange)
	}
	return tw.Flush()
}

// Improvement is the relative objective reduction in percent. It is only
// defined for finite objectives and a non-zero initial objective.
func Improvement(r *opt.Result) (float64, bool) {
	if !finite(r.InitialObjective) || !finite(r.BestObjective) || r.InitialObjective == 0 {
		return 0, false
	}
	return (r.InitialObjective - r.BestObjective) / math.Abs(r.InitialObjective) * 100, true
}

// WriteJSON writes the result as indented JSON.
func WriteJSON(path string, r *opt.Result) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func formatObjective(v float64) string {
	if !finite(v) {
		return "n/a"
	}
	return formatFloat(v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 8, 64)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
