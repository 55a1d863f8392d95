package runlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cwbudde/simcalib/internal/param"
)

// ParametersFile lists the declared parameters of a run.
const ParametersFile = "parameters.csv"

// WriteParameters writes name,kind,initial,low,high,candidates for each
// parameter. candidates may be nil when the optimizer does not discretize.
func WriteParameters(path string, params []param.Parameter, candidates []param.Candidates) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parameter log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"name", "kind", "initial", "low", "high", "candidates"})
	for i, p := range params {
		var low, high string
		if r, ok := p.Range(); ok {
			low, high = formatFloat(r.Low), formatFloat(r.High)
		}
		values := p.Values
		if i < len(candidates) {
			values = candidates[i].Values
		}
		w.Write([]string{
			p.Name,
			string(p.Kind),
			formatFloat(p.Initial()),
			low,
			high,
			joinFloats(values),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write parameter log: %w", err)
	}
	return f.Close()
}

func joinFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', 6, 64)
	}
	return strings.Join(parts, " ")
}
