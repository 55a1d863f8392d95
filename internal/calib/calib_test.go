package calib

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/simcalib/internal/config"
	"github.com/cwbudde/simcalib/internal/opt"
	"github.com/cwbudde/simcalib/internal/runlog"
	"github.com/cwbudde/simcalib/internal/store"
)

const abcConfig = `
name: abc
analytic: "-(a + b + c)"
workers: 2
parameters:
  - {name: a, type: categorical, values: [0, 1]}
  - {name: b, type: categorical, values: [0, 1, 2]}
  - {name: c, type: categorical, values: [0, 1, 2, 3]}
`

func loadYAML(t *testing.T, data string) *config.Config {
	t.Helper()
	cfg, err := config.ParseConfigYAML([]byte(data))
	require.NoError(t, err)
	return cfg
}

func TestRun_ThreeParameterTrace(t *testing.T) {
	out := t.TempDir()
	cfg := loadYAML(t, abcConfig)

	outcome, err := Run(context.Background(), cfg, Options{OutDir: out, ConfigPath: "abc.yaml"})
	require.NoError(t, err)

	r := outcome.Result
	assert.Empty(t, cmp.Diff(map[string]float64{"a": 1, "b": 2, "c": 3}, r.Best()))
	assert.Equal(t, -6.0, r.BestObjective)
	assert.Equal(t, 0.0, r.InitialObjective)
	assert.Equal(t, 11, r.Evaluations)
	assert.Equal(t, []string{"c", "b", "a"}, r.Fixed)

	st, err := store.NewFSStore(out)
	require.NoError(t, err)

	info, err := st.LoadRun(outcome.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, info.Status)
	assert.Equal(t, "abc.yaml", info.Config.ConfigPath)
	assert.Equal(t, 11, info.Evaluations)
	require.NotNil(t, info.BestObjective)
	assert.Equal(t, -6.0, *info.BestObjective)

	saved, err := st.LoadResult(outcome.RunID)
	require.NoError(t, err)
	assert.Equal(t, r.Best(), saved.Best())

	evals, err := runlog.ReadCSV(filepath.Join(outcome.RunDir, runlog.ResultFile))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, evals.Parameters)
	assert.Len(t, evals.Rows, 10)

	reader, err := store.NewTraceReader(out, outcome.RunID)
	require.NoError(t, err)
	defer reader.Close()
	trace, err := reader.ReadAll()
	require.NoError(t, err)
	require.Len(t, trace, 3)
	assert.Equal(t, -6.0, trace[2].BestObjective)

	assert.FileExists(t, filepath.Join(outcome.RunDir, runlog.ParametersFile))
	assert.FileExists(t, filepath.Join(outcome.RunDir, store.CheckpointFile))
	assert.NoDirExists(t, filepath.Join(outcome.RunDir, SetupDir))
}

func TestRun_ExtraRecorderAndRunID(t *testing.T) {
	var progress []opt.Progress
	cfg := loadYAML(t, abcConfig)

	outcome, err := Run(context.Background(), cfg, Options{
		OutDir:   t.TempDir(),
		RunID:    "fixed-id",
		Workers:  1,
		Recorder: runlog.ProgressFunc(func(p opt.Progress) { progress = append(progress, p) }),
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", outcome.RunID)
	require.Len(t, progress, 3)
	assert.Equal(t, 7, progress[0].Evaluations)
}

func TestResume_MatchesUninterruptedRun(t *testing.T) {
	out := t.TempDir()
	cfg := loadYAML(t, abcConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopAfterFirstStep := runlog.ProgressFunc(func(p opt.Progress) {
		if p.Step == 1 {
			cancel()
		}
	})

	outcome, err := Run(ctx, cfg, Options{OutDir: out, RunID: "interrupted", Recorder: stopAfterFirstStep})
	require.ErrorIs(t, err, context.Canceled)

	st, err := store.NewFSStore(out)
	require.NoError(t, err)
	info, err := st.LoadRun(outcome.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, info.Status)

	checkpoint, err := st.LoadCheckpoint("interrupted")
	require.NoError(t, err)
	assert.Equal(t, 1, checkpoint.State.Step)
	assert.Equal(t, []string{"c"}, checkpoint.State.Fixed)

	resumed, err := Resume(context.Background(), cfg, "interrupted", Options{OutDir: out})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 1, "b": 2, "c": 3}, resumed.Result.Best())
	assert.Equal(t, -6.0, resumed.Result.BestObjective)
	assert.Equal(t, 11, resumed.Result.Evaluations)
	assert.Equal(t, 0.0, resumed.Result.InitialObjective)

	info, err = st.LoadRun("interrupted")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, info.Status)
	assert.Empty(t, info.Error)

	evals, err := runlog.ReadCSV(filepath.Join(resumed.RunDir, runlog.ResultFile))
	require.NoError(t, err)
	assert.Len(t, evals.Rows, 10)
}

// evalCounter counts recorded evaluations.
type evalCounter struct{ n int }

func (c *evalCounter) RecordEvaluation(opt.Evaluation) { c.n++ }
func (c *evalCounter) RecordProgress(opt.Progress)     {}

func TestResume_StoppedRunEvaluatesNothing(t *testing.T) {
	out := t.TempDir()
	cfg := loadYAML(t, `
name: flat
analytic: "a * a + b * b"
parameters:
  - {name: a, type: categorical, values: [0, 1, 2]}
  - {name: b, type: categorical, values: [0, 1]}
`)

	first, err := Run(context.Background(), cfg, Options{OutDir: out, RunID: "flat"})
	require.NoError(t, err)
	assert.Equal(t, opt.StopNoImprovement, first.Result.StopReason)
	assert.Equal(t, 4, first.Result.Evaluations)

	counter := &evalCounter{}
	resumed, err := Resume(context.Background(), cfg, "flat", Options{OutDir: out, Recorder: counter})
	require.NoError(t, err)
	assert.Equal(t, 0, counter.n, "a stopped search runs no simulations")
	assert.Equal(t, first.Result.Evaluations, resumed.Result.Evaluations)
	assert.Equal(t, first.Result.Steps, resumed.Result.Steps)
	assert.Equal(t, opt.StopNoImprovement, resumed.Result.StopReason)

	evals, err := runlog.ReadCSV(filepath.Join(resumed.RunDir, runlog.ResultFile))
	require.NoError(t, err)
	assert.Len(t, evals.Rows, 3)
}

func TestRun_CheckpointEverySkipsSteps(t *testing.T) {
	out := t.TempDir()
	cfg := loadYAML(t, abcConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopAfterFirstStep := runlog.ProgressFunc(func(p opt.Progress) {
		if p.Step == 1 {
			cancel()
		}
	})

	_, err := Run(ctx, cfg, Options{OutDir: out, RunID: "sparse", CheckpointEvery: 2, Recorder: stopAfterFirstStep})
	require.ErrorIs(t, err, context.Canceled)

	st, err := store.NewFSStore(out)
	require.NoError(t, err)
	_, err = st.LoadCheckpoint("sparse")
	assert.ErrorIs(t, err, store.ErrNotFound, "step 1 is off the checkpoint interval")
}

func TestResume_Errors(t *testing.T) {
	out := t.TempDir()
	cfg := loadYAML(t, abcConfig)

	_, err := Resume(context.Background(), cfg, "missing", Options{OutDir: out})
	assert.ErrorIs(t, err, store.ErrNotFound)

	outcome, err := Run(context.Background(), cfg, Options{OutDir: out})
	require.NoError(t, err)

	other := loadYAML(t, `
name: abc
analytic: "-(a + b)"
parameters:
  - {name: a, type: categorical, values: [0, 1]}
  - {name: b, type: categorical, values: [0, 1, 2]}
`)
	_, err = Resume(context.Background(), other, outcome.RunID, Options{OutDir: out})
	assert.ErrorIs(t, err, store.ErrIncompatible)

	cma := loadYAML(t, `
name: cma
analytic: "x * x"
parameters:
  - {name: x, type: continuous, initial_value: 1, valid_range: [-2, 2]}
optimizer: {kind: cma}
`)
	_, err = Resume(context.Background(), cma, outcome.RunID, Options{OutDir: out})
	assert.ErrorContains(t, err, "only sequential")
}

func TestRun_AllFailedMarksRunFailed(t *testing.T) {
	out := t.TempDir()
	cfg := loadYAML(t, `
name: failing
analytic: "log(x - 10)"
parameters:
  - {name: x, type: continuous, initial_value: 0, valid_range: [0, 1]}
`)

	outcome, err := Run(context.Background(), cfg, Options{OutDir: out})
	require.Error(t, err)
	assert.True(t, errors.Is(err, opt.ErrAllFailed))

	st, err := store.NewFSStore(out)
	require.NoError(t, err)
	info, err := st.LoadRun(outcome.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, info.Status)
	assert.Contains(t, info.Error, "all simulations failed")
	_, err = st.LoadResult(outcome.RunID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_ContinuousOptimizers(t *testing.T) {
	for _, kind := range []string{"cma", "mayfly", "bayesian"} {
		t.Run(kind, func(t *testing.T) {
			cfg := loadYAML(t, `
name: sphere
analytic: "(x - 1) * (x - 1) + (y + 0.5) * (y + 0.5)"
workers: 2
parameters:
  - {name: x, type: continuous, initial_value: -3, valid_range: [-4, 4]}
  - {name: y, type: continuous, initial_value: 3, valid_range: [-4, 4]}
optimizer:
  kind: `+kind+`
  cma: {max_evals: 60, seed: 1}
  mayfly: {max_evals: 120, seed: 1}
  bayesian: {max_evals: 30, seed: 1}
`)
			outcome, err := Run(context.Background(), cfg, Options{OutDir: t.TempDir()})
			require.NoError(t, err)
			assert.Equal(t, kind, outcome.Result.Optimizer)
			assert.Less(t, outcome.Result.BestObjective, outcome.Result.InitialObjective)
			assert.FileExists(t, filepath.Join(outcome.RunDir, store.ResultFile))
			assert.NoFileExists(t, filepath.Join(outcome.RunDir, store.CheckpointFile))
		})
	}
}

func TestEstimate(t *testing.T) {
	fewest, most, err := Estimate(loadYAML(t, abcConfig))
	require.NoError(t, err)
	assert.Equal(t, 11, fewest)
	assert.Equal(t, 15, most)

	cfg := loadYAML(t, `
name: budget
analytic: "x"
parameters:
  - {name: x, type: continuous, initial_value: 0, valid_range: [0, 1]}
optimizer: {kind: bayesian, bayesian: {max_evals: 40}}
`)
	fewest, most, err = Estimate(cfg)
	require.NoError(t, err)
	assert.Equal(t, 41, fewest)
	assert.Equal(t, 41, most)
}

// writeSimulatorSetup creates a calibration whose "simulator" copies the
// rendered input, a one-row table, to the output file.
func writeSimulatorSetup(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("cp"); err != nil {
		t.Skip("cp not available")
	}
	dir := t.TempDir()
	files := map[string]string{
		"template.csv": "# rendered by simcalib\ntime,y\n1,{x}\n",
		"target.csv":   "time,y\n1,2\n",
		"calib.yaml": `
name: copy
simulator:
  binary: cp
  args: ["{input}", "{dir}/sim.csv"]
  timeout: 10s
inputs:
  - {template: template.csv, out_file: input.csv, comment_prefix: "#"}
parameters:
  - {name: x, type: continuous, initial_value: 0, valid_range: [0, 4]}
objectives:
  - {name: y, output_file: sim.csv, variable: y, target_file: target.csv, loss: mse}
optimizer:
  kind: sequential
  sequential: {num_samples: 6}
`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return filepath.Join(dir, "calib.yaml")
}

func TestRun_Simulator(t *testing.T) {
	path := writeSimulatorSetup(t)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	out := t.TempDir()

	outcome, err := Run(context.Background(), cfg, Options{OutDir: out, Debug: true})
	require.NoError(t, err)
	assert.Equal(t, 2.0, outcome.Result.Best()["x"])
	assert.Equal(t, 0.0, outcome.Result.BestObjective)
	assert.Equal(t, 4.0, outcome.Result.InitialObjective)
	assert.Equal(t, 5, outcome.Result.Evaluations)

	setup, err := os.ReadFile(filepath.Join(outcome.RunDir, SetupDir, "input.csv"))
	require.NoError(t, err)
	assert.Equal(t, "time,y\n1,0\n", string(setup), "comment lines are dropped")

	debugDirs, err := os.ReadDir(filepath.Join(outcome.RunDir, DebugDir))
	require.NoError(t, err)
	assert.Len(t, debugDirs, 5)

	v, dir, err := EvaluateBest(context.Background(), cfg, outcome.RunID, Options{OutDir: out})
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
	assert.FileExists(t, filepath.Join(dir, "sim.csv"))
	assert.Equal(t, filepath.Join(outcome.RunDir, EvaluateDir), dir)
}

func TestBuildProblem_UnknownPlaceholder(t *testing.T) {
	path := writeSimulatorSetup(t)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "template.csv"),
		[]byte("# {ignored}\ntime,y\n1,{x}\n2,{z}\n"), 0644))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	params, err := cfg.Params()
	require.NoError(t, err)

	_, _, err = BuildProblem(cfg, params, t.TempDir(), false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "placeholder {z} is not a parameter")
}

func TestBuildProblem_MissingBinary(t *testing.T) {
	cfg := loadYAML(t, `
name: missing
simulator: {binary: /nonexistent/simulator}
inputs: [{template: t.dai}]
parameters:
  - {name: x, type: continuous, initial_value: 0, valid_range: [0, 1]}
objectives:
  - {name: y, output_file: o.csv, variable: y, target_file: t.csv}
`)
	params, err := cfg.Params()
	require.NoError(t, err)
	_, _, err = BuildProblem(cfg, params, t.TempDir(), false, nil)
	assert.Error(t, err)
}
