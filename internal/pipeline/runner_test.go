package pipeline

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spreadscan/spreadscan/internal/artifacts"
	"github.com/spreadscan/spreadscan/internal/config"
	"github.com/spreadscan/spreadscan/internal/depth"
	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/spread"
)

func newTestRunner(t *testing.T, cfg *config.Config, defs []StageDefinition) *Runner {
	t.Helper()
	layout := artifacts.Layout{OutputDir: t.TempDir(), RunID: "test"}
	require.NoError(t, layout.Ensure())
	runner := NewRunner(cfg, layout, nil, metrics.NewStore(), zerolog.Nop())
	runner.defs = defs
	return runner
}

// markerDef builds a stage whose only output is a marker file, so output
// validation can be driven by whether the body wrote it.
func markerDef(name, marker string, runs *int, body func(sc *StageContext) (map[string]any, error)) StageDefinition {
	return StageDefinition{
		Name:    name,
		Inputs:  []string{},
		Outputs: []string{marker},
		Run: func(_ context.Context, sc *StageContext) (map[string]any, error) {
			*runs++
			if body != nil {
				return body(sc)
			}
			if err := os.WriteFile(sc.Layout.Path(marker), []byte("ok"), 0o644); err != nil {
				return nil, err
			}
			return map[string]any{}, nil
		},
		ValidateInputs: func(*StageContext) []string { return nil },
		ValidateOutputs: func(sc *StageContext) []string {
			if _, err := os.Stat(sc.Layout.Path(marker)); err != nil {
				return []string{"missing " + marker}
			}
			return nil
		},
	}
}

func snapshotValue(t *testing.T, store *metrics.Store, key string) float64 {
	t.Helper()
	flat, err := store.Snapshot()
	require.NoError(t, err)
	return flat[key]
}

func TestRunnerHappyPath(t *testing.T) {
	var universeRuns, spreadRuns int
	runner := newTestRunner(t, config.Default(), []StageDefinition{
		markerDef(StageUniverse, "u.marker", &universeRuns, nil),
		markerDef(StageSpread, "s.marker", &spreadRuns, nil),
	})

	result := runner.Run(context.Background(), Options{
		Stages:   []string{StageUniverse, StageSpread},
		Resume:   true,
		FailFast: true,
	})

	assert.Equal(t, ExitOK, result.ExitCode)
	assert.False(t, result.Degraded)
	assert.Equal(t, 1, universeRuns)
	assert.Equal(t, 1, spreadRuns)

	state, err := LoadState(runner.layout.Path(artifacts.FilePipelineState))
	require.NoError(t, err)
	for _, name := range []string{StageUniverse, StageSpread} {
		entry, err := state.Stage(name)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, entry.Status, name)
		assert.NotNil(t, entry.StartedAt)
		assert.NotNil(t, entry.FinishedAt)
	}
	assert.Equal(t, 2.0, snapshotValue(t, runner.store, "pipeline_stage_success_total"))
	assert.FileExists(t, runner.layout.Path(artifacts.FileMetrics))
}

func TestRunnerInputValidationFailureStopsRun(t *testing.T) {
	var spreadRuns, scoreRuns int
	spreadDef := markerDef(StageSpread, "s.marker", &spreadRuns, nil)
	spreadDef.ValidateInputs = func(*StageContext) []string { return []string{"missing universe.json"} }
	runner := newTestRunner(t, config.Default(), []StageDefinition{
		spreadDef,
		markerDef(StageScore, "c.marker", &scoreRuns, nil),
	})

	result := runner.Run(context.Background(), Options{
		Stages:          []string{StageSpread, StageScore},
		ContinueOnError: true,
	})

	assert.Equal(t, ExitValidationError, result.ExitCode)
	assert.Equal(t, 0, spreadRuns, "body must not run on invalid inputs")
	assert.Equal(t, 0, scoreRuns, "input validation failure aborts the run")

	state, err := LoadState(runner.layout.Path(artifacts.FilePipelineState))
	require.NoError(t, err)
	entry, err := state.Stage(StageSpread)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, entry.Status)
	require.NotNil(t, entry.Error)
	assert.Equal(t, ErrTypeArtifactValidation, entry.Error.Type)
}

func TestRunnerResumeSkipsValidOutputs(t *testing.T) {
	var runs int
	runner := newTestRunner(t, config.Default(), []StageDefinition{
		markerDef(StageUniverse, "u.marker", &runs, nil),
	})
	require.NoError(t, os.WriteFile(runner.layout.Path("u.marker"), []byte("ok"), 0o644))

	result := runner.Run(context.Background(), Options{
		Stages: []string{StageUniverse},
		Resume: true,
	})

	assert.Equal(t, ExitOK, result.ExitCode)
	assert.Equal(t, 0, runs)
	assert.Equal(t, 1.0, snapshotValue(t, runner.store, "pipeline_stage_skipped_total"))

	state, err := LoadState(runner.layout.Path(artifacts.FilePipelineState))
	require.NoError(t, err)
	entry, err := state.Stage(StageUniverse)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, entry.Status)
}

func TestRunnerForceRerunsValidOutputs(t *testing.T) {
	var runs int
	runner := newTestRunner(t, config.Default(), []StageDefinition{
		markerDef(StageUniverse, "u.marker", &runs, nil),
	})
	require.NoError(t, os.WriteFile(runner.layout.Path("u.marker"), []byte("ok"), 0o644))

	result := runner.Run(context.Background(), Options{
		Stages: []string{StageUniverse},
		Resume: true,
		Force:  true,
	})

	assert.Equal(t, ExitOK, result.ExitCode)
	assert.Equal(t, 1, runs)
}

func TestRunnerResumeRetriesTimedOutStage(t *testing.T) {
	var runs int
	def := markerDef(StageSpread, "s.marker", &runs, nil)
	runner := newTestRunner(t, config.Default(), []StageDefinition{def})

	// Prior run: outputs valid but the stage had timed out.
	require.NoError(t, os.WriteFile(runner.layout.Path("s.marker"), []byte("ok"), 0o644))
	statePath := runner.layout.Path(artifacts.FilePipelineState)
	prior := NewState("test", "0.1.1", runner.defs)
	entry, err := prior.Stage(StageSpread)
	require.NoError(t, err)
	entry.Status = StatusTimeout
	entry.Metrics["timed_out"] = true
	require.NoError(t, prior.Write(statePath))

	result := runner.Run(context.Background(), Options{
		Stages: []string{StageSpread},
		Resume: true,
	})

	assert.Equal(t, ExitOK, result.ExitCode)
	assert.Equal(t, 1, runs, "timed-out stage must re-run on resume")
}

func TestRunnerBodyErrorFailFast(t *testing.T) {
	var failRuns, nextRuns int
	boom := errors.New("exchange unreachable")
	runner := newTestRunner(t, config.Default(), []StageDefinition{
		markerDef(StageUniverse, "u.marker", &failRuns, func(*StageContext) (map[string]any, error) {
			return nil, boom
		}),
		markerDef(StageSpread, "s.marker", &nextRuns, nil),
	})

	result := runner.Run(context.Background(), Options{
		Stages:   []string{StageUniverse, StageSpread},
		FailFast: true,
	})

	assert.Equal(t, ExitStageError, result.ExitCode)
	assert.Equal(t, []string{StageUniverse}, result.FailedStages)
	assert.Equal(t, 1, failRuns)
	assert.Equal(t, 0, nextRuns)

	state, err := LoadState(runner.layout.Path(artifacts.FilePipelineState))
	require.NoError(t, err)
	entry, err := state.Stage(StageUniverse)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, entry.Status)
	require.NotNil(t, entry.Error)
	assert.Equal(t, "StageExecutionError", entry.Error.Type)
	assert.Contains(t, entry.Error.Message, "exchange unreachable")
}

func TestRunnerContinueOnErrorKeepsGoing(t *testing.T) {
	var failRuns, nextRuns int
	runner := newTestRunner(t, config.Default(), []StageDefinition{
		markerDef(StageUniverse, "u.marker", &failRuns, func(*StageContext) (map[string]any, error) {
			return nil, errors.New("boom")
		}),
		markerDef(StageSpread, "s.marker", &nextRuns, nil),
	})

	result := runner.Run(context.Background(), Options{
		Stages:          []string{StageUniverse, StageSpread},
		FailFast:        true,
		ContinueOnError: true,
	})

	assert.Equal(t, ExitStageError, result.ExitCode)
	assert.Equal(t, 1, nextRuns, "continue-on-error runs later stages")
}

func TestRunnerOutputValidationFailure(t *testing.T) {
	var runs int
	runner := newTestRunner(t, config.Default(), []StageDefinition{
		markerDef(StageUniverse, "u.marker", &runs, func(*StageContext) (map[string]any, error) {
			// Body succeeds but never writes its output.
			return map[string]any{}, nil
		}),
	})

	result := runner.Run(context.Background(), Options{Stages: []string{StageUniverse}, FailFast: true})

	assert.Equal(t, ExitValidationError, result.ExitCode)
	state, err := LoadState(runner.layout.Path(artifacts.FilePipelineState))
	require.NoError(t, err)
	entry, err := state.Stage(StageUniverse)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, entry.Status)
	require.NotNil(t, entry.Error)
	assert.Equal(t, ErrTypeArtifactValidation, entry.Error.Type)
	assert.NotEmpty(t, entry.Error.OutputErrors)
}

func TestRunnerPartialSuccessTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Sampling.Spread.DurationS = 300
	cfg.Sampling.Spread.IntervalS = 10
	cfg.Sampling.Spread.MinUptime = 0.6 // needs 18 of 30 ticks

	var spreadRuns, scoreRuns int
	runner := newTestRunner(t, cfg, []StageDefinition{
		markerDef(StageSpread, "s.marker", &spreadRuns, func(sc *StageContext) (map[string]any, error) {
			if err := os.WriteFile(sc.Layout.Path("s.marker"), []byte("ok"), 0o644); err != nil {
				return nil, err
			}
			return map[string]any{"timed_out": true, "ticks_success": 25}, nil
		}),
		markerDef(StageScore, "c.marker", &scoreRuns, nil),
	})

	result := runner.Run(context.Background(), Options{
		Stages:   []string{StageSpread, StageScore},
		FailFast: true,
	})

	assert.Equal(t, ExitOK, result.ExitCode, "partial success keeps exit 0")
	assert.True(t, result.Degraded)
	assert.True(t, result.TimedOut)
	assert.Equal(t, 1, scoreRuns, "run continues after partial success")

	state, err := LoadState(runner.layout.Path(artifacts.FilePipelineState))
	require.NoError(t, err)
	entry, err := state.Stage(StageSpread)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, entry.Status)
	require.NotNil(t, entry.Error)
	assert.Equal(t, ErrTypeStageTimeout, entry.Error.Type)
	require.NotNil(t, entry.Error.HasMinimumData)
	assert.True(t, *entry.Error.HasMinimumData)

	assert.Equal(t, 2.0, snapshotValue(t, runner.store, "pipeline_stage_success_total"))
	assert.Equal(t, 1.0, snapshotValue(t, runner.store, "pipeline_stage_timeouts_total"))
	assert.Equal(t, 1.0, snapshotValue(t, runner.store, "run_degraded"))
}

func TestRunnerTimeoutWithoutMinimumDataFails(t *testing.T) {
	cfg := config.Default()
	cfg.Sampling.Spread.DurationS = 300
	cfg.Sampling.Spread.IntervalS = 10
	cfg.Sampling.Spread.MinUptime = 0.6

	var runs int
	runner := newTestRunner(t, cfg, []StageDefinition{
		markerDef(StageSpread, "s.marker", &runs, func(sc *StageContext) (map[string]any, error) {
			if err := os.WriteFile(sc.Layout.Path("s.marker"), []byte("ok"), 0o644); err != nil {
				return nil, err
			}
			return map[string]any{"timed_out": true, "ticks_success": 5}, nil
		}),
	})

	result := runner.Run(context.Background(), Options{Stages: []string{StageSpread}, FailFast: true})

	assert.Equal(t, ExitStageError, result.ExitCode)
	assert.True(t, result.TimedOut)
	assert.False(t, result.Degraded)

	state, err := LoadState(runner.layout.Path(artifacts.FilePipelineState))
	require.NoError(t, err)
	entry, err := state.Stage(StageSpread)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, entry.Status)
	require.NotNil(t, entry.Error.HasMinimumData)
	assert.False(t, *entry.Error.HasMinimumData)
}

func TestRunnerDryRun(t *testing.T) {
	var runs int
	runner := newTestRunner(t, config.Default(), []StageDefinition{
		markerDef(StageUniverse, "u.marker", &runs, nil),
	})

	result := runner.Run(context.Background(), Options{
		Stages: []string{StageUniverse},
		DryRun: true,
	})

	assert.Equal(t, ExitOK, result.ExitCode)
	assert.Equal(t, 0, runs)
}

func TestRunnerConfigErrors(t *testing.T) {
	var runs int
	defs := []StageDefinition{
		markerDef(StageUniverse, "u.marker", &runs, nil),
		markerDef(StageSpread, "s.marker", &runs, nil),
		markerDef(StageScore, "c.marker", &runs, nil),
	}

	t.Run("unknown stage in selection", func(t *testing.T) {
		runner := newTestRunner(t, config.Default(), defs)
		result := runner.Run(context.Background(), Options{Stages: []string{"warehouse"}})
		assert.Equal(t, ExitConfigError, result.ExitCode)
	})

	t.Run("unknown validation mode", func(t *testing.T) {
		runner := newTestRunner(t, config.Default(), defs)
		result := runner.Run(context.Background(), Options{
			Stages:             []string{StageUniverse},
			ArtifactValidation: "paranoid",
		})
		assert.Equal(t, ExitConfigError, result.ExitCode)
	})

	t.Run("score requires raw capture", func(t *testing.T) {
		cfg := config.Default()
		cfg.Sampling.Raw.Enabled = false
		runner := newTestRunner(t, cfg, defs)
		result := runner.Run(context.Background(), Options{
			Stages: []string{StageUniverse, StageSpread, StageScore},
		})
		assert.Equal(t, ExitConfigError, result.ExitCode)
	})

	t.Run("missing stage timeout", func(t *testing.T) {
		cfg := config.Default()
		delete(cfg.Pipeline.StageTimeoutsS, StageSpread)
		runner := newTestRunner(t, cfg, defs)
		result := runner.Run(context.Background(), Options{Stages: []string{StageSpread}})
		assert.Equal(t, ExitConfigError, result.ExitCode)
	})

	assert.Equal(t, 0, runs, "config errors must not execute stages")
}

func TestRunnerResumeRefusesIncompatibleState(t *testing.T) {
	var runs int
	runner := newTestRunner(t, config.Default(), []StageDefinition{
		markerDef(StageUniverse, "u.marker", &runs, nil),
	})

	statePath := runner.layout.Path(artifacts.FilePipelineState)
	stale := NewState("test", "0.1.1", runner.defs)
	stale.SpecVersion = "0.0"
	require.NoError(t, artifacts.WriteJSONAtomic(statePath, stale))

	result := runner.Run(context.Background(), Options{
		Stages: []string{StageUniverse},
		Resume: true,
	})

	assert.Equal(t, ExitValidationError, result.ExitCode)
	assert.Equal(t, 0, runs)
}

func TestRunnerEmptyDepthSelectionSucceeds(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, config.ValidationStrict, cfg.Pipeline.ArtifactValidation)

	var depthRuns int
	depthDef := StageDefinition{
		Name:    StageDepth,
		Inputs:  []string{},
		Outputs: []string{artifacts.FileDepthMetrics, artifacts.FileSummaryEnriched},
		Run: func(_ context.Context, sc *StageContext) (map[string]any, error) {
			depthRuns++
			bands := sc.Config.Depth.BandBps
			if err := depth.ExportDepthMetrics(sc.Layout.Path(artifacts.FileDepthMetrics), nil, bands); err != nil {
				return nil, err
			}
			if err := depth.ExportSummaryEnriched(
				sc.Layout.Path(artifacts.FileSummaryEnriched),
				nil, nil, bands, sc.Config.Thresholds.EdgeMinBps,
			); err != nil {
				return nil, err
			}
			return map[string]any{"ticks_success": 0, "depth_symbols_pass_total": 0}, nil
		},
		ValidateInputs:  func(*StageContext) []string { return nil },
		ValidateOutputs: validateDepthOutputs,
	}
	runner := newTestRunner(t, cfg, []StageDefinition{depthDef})

	// Nothing passed spread, so the scored summary selects no candidates.
	failing := spread.ScoreResult{
		Symbol:      "AAAUSDT",
		Stats:       spread.Stats{Symbol: "AAAUSDT", InsufficientSamples: true},
		FailReasons: []string{spread.ReasonInsufficientSamples},
	}
	require.NoError(t, spread.ExportSummary(
		runner.layout.Path(artifacts.FileSummaryCSV),
		runner.layout.Path(artifacts.FileSummaryJSON),
		[]spread.ScoreResult{failing}, zerolog.Nop(),
	))

	result := runner.Run(context.Background(), Options{Stages: []string{StageDepth}, FailFast: true})

	assert.Equal(t, ExitOK, result.ExitCode, "header-only depth artifacts must pass strict validation")
	assert.Equal(t, 1, depthRuns)
	assert.Empty(t, result.FailedStages)

	state, err := LoadState(runner.layout.Path(artifacts.FilePipelineState))
	require.NoError(t, err)
	entry, err := state.Stage(StageDepth)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, entry.Status)
}

func TestRunnerRunDeadlineBoundsTimeoutClassification(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.TotalTimeoutS = 3
	cfg.Pipeline.StageTimeoutsS[StageUniverse] = 600

	var runs int
	runner := newTestRunner(t, cfg, []StageDefinition{
		markerDef(StageUniverse, "u.marker", &runs, nil),
	})
	clock := time.Now()
	runner.now = func() time.Time { return clock }
	runner.defs[0].Run = func(_ context.Context, sc *StageContext) (map[string]any, error) {
		runs++
		clock = clock.Add(5 * time.Second)
		if err := os.WriteFile(sc.Layout.Path("u.marker"), []byte("ok"), 0o644); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}

	result := runner.Run(context.Background(), Options{Stages: []string{StageUniverse}, FailFast: true})

	// Elapsed 5s is inside the 600s stage timeout but past the 3s run
	// deadline, so the stage is classified as timed out.
	assert.Equal(t, ExitStageError, result.ExitCode)
	assert.True(t, result.TimedOut)
	assert.Equal(t, []string{StageUniverse}, result.FailedStages)

	state, err := LoadState(runner.layout.Path(artifacts.FilePipelineState))
	require.NoError(t, err)
	entry, err := state.Stage(StageUniverse)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, entry.Status)
	require.NotNil(t, entry.Error)
	assert.Equal(t, ErrTypeStageTimeout, entry.Error.Type)
	assert.Equal(t, 1.0, snapshotValue(t, runner.store, "pipeline_run_timeouts_total"))
}
