package objective

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cwbudde/simcalib/internal/param"
	"github.com/cwbudde/simcalib/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeriesCSV(t *testing.T) {
	data := "time,N2O,CO2\n2000-01-01,1.5,3\n2000-01-02,,4\n2000-01-03 00:00:00,2.5,5\n"

	s, err := ParseSeries(strings.NewReader(data), TableOptions{ValueColumn: "N2O"})
	require.NoError(t, err)

	assert.Equal(t, []string{"2000-01-01T00:00:00Z", "2000-01-02T00:00:00Z", "2000-01-03T00:00:00Z"}, s.Keys)
	assert.Equal(t, 1.5, s.Values[0])
	assert.True(t, math.IsNaN(s.Values[1]))
	assert.Equal(t, 2.5, s.Values[2])
}

func TestParseSeriesWhitespaceComposedTime(t *testing.T) {
	data := strings.Join([]string{
		"dlf-0.0 -- simulation log",
		"VERSION: 5.0",
		"year month mday hour N2O-Nitrification",
		"2000 1 1 0 0.1",
		"",
		"2000 1 1 1 0.2",
	}, "\n")

	s, err := ParseSeries(strings.NewReader(data), TableOptions{
		SkipRows:    2,
		TimeColumns: []string{"year", "month", "mday", "hour"},
		ValueColumn: "N2O-Nitrification",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"2000-01-01T00:00:00Z", "2000-01-01T01:00:00Z"}, s.Keys)
	assert.Equal(t, []float64{0.1, 0.2}, s.Values)
}

func TestParseSeriesMissingColumn(t *testing.T) {
	_, err := ParseSeries(strings.NewReader("time\tx\n1\t2\n"), TableOptions{ValueColumn: "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"y"`)
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "2000-01-01T00:00:00Z", NormalizeKey(" 2000-01-01 "))
	assert.Equal(t, "2000-01-01T12:00:00Z", NormalizeKey("2000-01-01T12:00"))
	assert.Equal(t, "1.5", NormalizeKey("1.50"))
	assert.Equal(t, "day-3", NormalizeKey("day-3"))
}

func TestAlign(t *testing.T) {
	actual := Series{Keys: []string{"1", "2", "3"}, Values: []float64{10, 20, 30}}
	target := Series{Keys: []string{"3", "1", "2"}, Values: []float64{31, 11, math.NaN()}}

	sim, obs, err := Align(actual, target)
	require.NoError(t, err)
	assert.Equal(t, []float64{30, 10}, sim)
	assert.Equal(t, []float64{31, 11}, obs)
}

func TestAlignErrors(t *testing.T) {
	tests := []struct {
		name   string
		actual Series
		target Series
	}{
		{"missing target time", Series{Keys: []string{"1"}, Values: []float64{1}}, Series{Keys: []string{"2"}, Values: []float64{1}}},
		{"duplicate target", Series{Keys: []string{"1"}, Values: []float64{1}}, Series{Keys: []string{"1", "1"}, Values: []float64{1, 2}}},
		{"duplicate actual", Series{Keys: []string{"1", "1"}, Values: []float64{1, 2}}, Series{Keys: []string{"1"}, Values: []float64{1}}},
		{"no observations", Series{Keys: []string{"1"}, Values: []float64{1}}, Series{Keys: []string{"1"}, Values: []float64{math.NaN()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Align(tt.actual, tt.target)
			assert.Error(t, err)
		})
	}
}

func TestLosses(t *testing.T) {
	sim := []float64{1, 2, 3}
	obs := []float64{2, 2, 5}

	assert.InDelta(t, 5.0, SSD(sim, obs), 1e-12)
	assert.InDelta(t, 5.0/3, MSE(sim, obs), 1e-12)
	assert.InDelta(t, math.Sqrt(5.0/3), RMSE(sim, obs), 1e-12)
	assert.InDelta(t, 1.0, MAE(sim, obs), 1e-12)

	_, err := LookupLoss("huber")
	assert.Error(t, err)
	fn, err := LookupLoss("")
	require.NoError(t, err)
	assert.InDelta(t, 5.0/3, fn(sim, obs), 1e-12)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestScalarScore(t *testing.T) {
	inputs := t.TempDir()
	target := writeFile(t, inputs, "target.csv", "time,N2O\n2000-01-01,1\n2000-01-02,NaN\n2000-01-03,3\n")

	obj, err := NewScalar(ScalarConfig{
		Name:       "n2o",
		OutputFile: "field.csv",
		Output:     TableOptions{ValueColumn: "N2O"},
		TargetFile: target,
		Loss:       "mse",
	})
	require.NoError(t, err)

	run := t.TempDir()
	writeFile(t, run, "field.csv", "time,N2O\n2000-01-01,2\n2000-01-02,9\n2000-01-03,5\n2000-01-04,7\n")

	score, err := obj.Score(run)
	require.NoError(t, err)
	assert.InDelta(t, (1.0+4.0)/2, score, 1e-12)

	_, err = obj.Score(t.TempDir())
	assert.Error(t, err, "missing output file must fail")
}

func constant(v float64) sandbox.Objective {
	return sandbox.ObjectiveFunc(func(string) (float64, error) { return v, nil })
}

func TestAggregate(t *testing.T) {
	terms := []Term{
		{Name: "n2o", Objective: constant(2), Weight: 0.25},
		{Name: "co2", Objective: constant(6), Weight: 1},
	}
	tests := []struct {
		kind       string
		expression string
		want       float64
	}{
		{"", "", 8},
		{Sum, "", 8},
		{Mean, "", 4},
		{Weighted, "", 6.5},
		{Expr, "sqrt(n2o * co2 * 3)", 6},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			agg, err := NewAggregate(tt.kind, terms, tt.expression)
			require.NoError(t, err)
			got, err := agg.Score("unused")
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestAggregateFailurePropagates(t *testing.T) {
	agg, err := NewAggregate(Sum, []Term{
		{Name: "ok", Objective: constant(1)},
		{Name: "bad", Objective: constant(math.NaN())},
	}, "")
	require.NoError(t, err)

	got, err := agg.Score("unused")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(got))
}

func TestAggregateRejectsUnknownVariable(t *testing.T) {
	_, err := NewAggregate(Expr, []Term{{Name: "a", Objective: constant(1)}}, "a + b")
	assert.Error(t, err)

	_, err = NewAggregate("median", []Term{{Name: "a", Objective: constant(1)}}, "")
	assert.Error(t, err)
}

func TestAnalytic(t *testing.T) {
	params := []param.Parameter{
		param.NewCategorical("a", []float64{0, 1}, 0),
		param.NewCategorical("b", []float64{0, 1, 2}, 0),
		param.NewCategorical("c", []float64{0, 1, 2, 3}, 0),
	}
	a, err := NewAnalytic(params, "-(a + b + c)")
	require.NoError(t, err)

	assert.Equal(t, -6.0, a.Evaluate(context.Background(), []float64{1, 2, 3}))
	assert.True(t, math.IsNaN(a.Evaluate(context.Background(), []float64{1})))

	_, err = NewAnalytic(params, "a + d")
	assert.Error(t, err)
}
