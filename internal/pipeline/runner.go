package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/spreadscan/spreadscan/internal/artifacts"
	"github.com/spreadscan/spreadscan/internal/config"
	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/version"
)

// Process exit codes.
const (
	ExitOK              = 0
	ExitConfigError     = 2
	ExitStageError      = 3
	ExitValidationError = 4
)

// Options are the per-invocation knobs, mostly mapped from CLI flags.
type Options struct {
	Stages             []string
	From               string
	To                 string
	Resume             bool
	Force              bool
	FailFast           bool
	ContinueOnError    bool
	DryRun             bool
	ArtifactValidation string // overrides pipeline.artifact_validation when set
}

// RunResult is the terminal outcome of one pipeline invocation.
type RunResult struct {
	ExitCode     int
	Degraded     bool
	TimedOut     bool
	FailedStages []string
}

// Runner executes the stage plan against one run directory.
type Runner struct {
	cfg    *config.Config
	layout artifacts.Layout
	client Client
	store  *metrics.Store
	log    zerolog.Logger
	defs   []StageDefinition
	now    func() time.Time
}

func NewRunner(cfg *config.Config, layout artifacts.Layout, client Client, store *metrics.Store, log zerolog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		layout: layout,
		client: client,
		store:  store,
		log:    log,
		defs:   DefaultStages(cfg),
		now:    time.Now,
	}
}

// Run executes the selected stages with durable state, resume, and
// deadline handling. The returned exit code follows the CLI contract:
// 0 ok, 2 config error, 3 stage failure, 4 artifact/state validation
// failure. Degraded runs (partial-success timeouts) still exit 0.
func (r *Runner) Run(ctx context.Context, opts Options) RunResult {
	plan, err := BuildPlan(opts.Stages, opts.From, opts.To)
	if err != nil {
		r.log.Error().Str("event", "config_error").Err(err).Msg("invalid stage selection")
		return RunResult{ExitCode: ExitConfigError}
	}

	validation := opts.ArtifactValidation
	if validation == "" {
		validation = r.cfg.Pipeline.ArtifactValidation
	}
	if validation != config.ValidationStrict && validation != config.ValidationLenient {
		r.log.Error().Str("event", "config_error").
			Str("artifact_validation", validation).
			Msg("unknown artifact validation mode")
		return RunResult{ExitCode: ExitConfigError}
	}

	defsByName := make(map[string]StageDefinition, len(r.defs))
	for _, def := range r.defs {
		defsByName[def.Name] = def
	}
	for _, name := range plan {
		if _, ok := defsByName[name]; !ok {
			r.log.Error().Str("event", "config_error").Str("stage", name).Msg("stage has no definition")
			return RunResult{ExitCode: ExitConfigError}
		}
		if r.cfg.Pipeline.StageTimeout(name) <= 0 {
			r.log.Error().Str("event", "config_error").Str("stage", name).Msg("stage has no timeout configured")
			return RunResult{ExitCode: ExitConfigError}
		}
	}
	if planContains(plan, StageScore) && !r.cfg.Sampling.Raw.Enabled {
		r.log.Error().Str("event", "config_error").
			Msg("score stage requires sampling.raw.enabled")
		return RunResult{ExitCode: ExitConfigError}
	}

	statePath := r.layout.Path(artifacts.FilePipelineState)
	state, exitCode := r.loadOrInitState(statePath, opts)
	if state == nil {
		return RunResult{ExitCode: exitCode}
	}

	sc := &StageContext{
		Layout:     r.layout,
		Config:     r.cfg,
		Log:        r.log,
		Client:     r.client,
		Store:      r.store,
		Validation: validation,
	}

	r.log.Info().Str("event", "pipeline_plan").
		Strs("stages", plan).
		Bool("resume", opts.Resume).
		Bool("dry_run", opts.DryRun).
		Msg("stage plan resolved")

	if opts.DryRun {
		for _, name := range plan {
			def := defsByName[name]
			entry, _ := state.Stage(name)
			status := StatusPending
			if entry != nil {
				status = entry.Status
			}
			r.log.Info().Str("event", "stage_check").
				Str("stage", name).
				Str("status", status).
				Bool("inputs_valid", len(def.ValidateInputs(sc)) == 0).
				Bool("outputs_valid", len(def.ValidateOutputs(sc)) == 0).
				Msg("dry run")
		}
		return RunResult{ExitCode: ExitOK}
	}

	start := r.now()
	runDeadline := start.Add(r.cfg.Pipeline.TotalTimeout())
	grace := r.cfg.Pipeline.TimeoutGrace()

	result := RunResult{ExitCode: ExitOK}
	runTimeoutCounted := false

	for _, name := range plan {
		def := defsByName[name]
		entry, err := state.Stage(name)
		if err != nil {
			entry = &StageState{
				Name:    name,
				Status:  StatusPending,
				Inputs:  append([]string{}, def.Inputs...),
				Outputs: append([]string{}, def.Outputs...),
				Metrics: map[string]any{},
			}
			state.Stages = append(state.Stages, entry)
		}

		stageTimeout := r.cfg.Pipeline.StageTimeout(name)
		stageDeadline := r.now().Add(stageTimeout)
		boundByRun := false
		if !runDeadline.After(stageDeadline) {
			stageDeadline = runDeadline
			boundByRun = true
		}

		if inputErrs := def.ValidateInputs(sc); len(inputErrs) > 0 {
			entry.Status = StatusFailed
			entry.Error = &StageError{
				Type:    ErrTypeArtifactValidation,
				Message: strings.Join(inputErrs, "; "),
				Stage:   name,
			}
			r.persist(state, statePath)
			r.store.IncStageFailed()
			r.log.Error().Str("event", "stage_failed").
				Str("stage", name).
				Strs("input_errors", inputErrs).
				Msg("input artifacts invalid")
			result.ExitCode = ExitValidationError
			result.FailedStages = append(result.FailedStages, name)
			return result
		}

		if opts.Resume && !opts.Force && !entry.TimedOut() && len(def.ValidateOutputs(sc)) == 0 {
			entry.Status = StatusSkipped
			r.persist(state, statePath)
			r.store.IncStageSkipped()
			r.log.Info().Str("event", "stage_skip").
				Str("stage", name).
				Msg("outputs already valid, skipping")
			continue
		}

		if !r.now().Before(stageDeadline) {
			entry.Status = StatusFailed
			entry.Error = &StageError{
				Type:     ErrTypeStageTimeout,
				Message:  "deadline exceeded before stage start",
				Stage:    name,
				TimeoutS: stageTimeout.Seconds(),
			}
			r.persist(state, statePath)
			r.store.IncStageFailed()
			if boundByRun && !runTimeoutCounted {
				r.store.IncRunTimeout()
				runTimeoutCounted = true
			}
			result.TimedOut = true
			result.ExitCode = maxExit(result.ExitCode, ExitStageError)
			result.FailedStages = append(result.FailedStages, name)
			r.log.Error().Str("event", "stage_timeout").
				Str("stage", name).
				Msg("run deadline reached before stage start")
			if !(opts.ContinueOnError || !opts.FailFast) {
				break
			}
			continue
		}

		stageStart := r.now()
		entry.Status = StatusRunning
		entry.StartedAt = isoPtr(stageStart)
		entry.FinishedAt = nil
		entry.Error = nil
		r.persist(state, statePath)
		r.log.Info().Str("event", "stage_start").
			Str("stage", name).
			Float64("timeout_s", stageTimeout.Seconds()).
			Msg("stage starting")

		sc.Deadline = stageDeadline
		bodyCtx, cancel := context.WithDeadline(ctx, stageDeadline.Add(grace))
		stageMetrics, runErr := def.Run(bodyCtx, sc)
		cancel()

		elapsed := r.now().Sub(stageStart)
		if stageMetrics == nil {
			stageMetrics = map[string]any{}
		}
		stageMetrics["elapsed_s"] = elapsed.Seconds()
		entry.Metrics = stageMetrics
		entry.FinishedAt = isoPtr(r.now())
		r.store.SetStageElapsed(name, elapsed.Seconds())

		if runErr != nil {
			errType := "StageExecutionError"
			if errors.Is(runErr, context.DeadlineExceeded) {
				errType = ErrTypeStageTimeout
				result.TimedOut = true
				if boundByRun && !runTimeoutCounted {
					r.store.IncRunTimeout()
					runTimeoutCounted = true
				}
			}
			entry.Status = StatusFailed
			entry.Error = &StageError{
				Type:     errType,
				Message:  runErr.Error(),
				Stage:    name,
				TimeoutS: stageTimeout.Seconds(),
				ElapsedS: elapsed.Seconds(),
			}
			r.persist(state, statePath)
			r.snapshotMetrics()
			r.store.IncStageFailed()
			r.log.Error().Str("event", "stage_failed").
				Str("stage", name).
				Err(runErr).
				Float64("elapsed_s", elapsed.Seconds()).
				Msg("stage body failed")
			result.ExitCode = maxExit(result.ExitCode, ExitStageError)
			result.FailedStages = append(result.FailedStages, name)
			if opts.ContinueOnError || !opts.FailFast {
				continue
			}
			break
		}

		// Post-hoc classification compares against the effective budget, which
		// is shorter than the stage timeout when the run deadline bounds it.
		effectiveTimeout := stageDeadline.Sub(stageStart)
		timedOut := metricBool(stageMetrics, "timed_out") || elapsed > effectiveTimeout
		if timedOut {
			result.TimedOut = true
			if boundByRun && !runTimeoutCounted {
				r.store.IncRunTimeout()
				runTimeoutCounted = true
			}
			outputErrs := def.ValidateOutputs(sc)
			minData := r.hasMinimumData(name, stageMetrics)
			hasMin := minData
			if len(outputErrs) == 0 && minData {
				entry.Status = StatusTimeout
				entry.Error = &StageError{
					Type:           ErrTypeStageTimeout,
					Message:        fmt.Sprintf("stage %s exceeded %.0fs but produced usable output", name, stageTimeout.Seconds()),
					Stage:          name,
					TimeoutS:       stageTimeout.Seconds(),
					ElapsedS:       elapsed.Seconds(),
					HasMinimumData: &hasMin,
				}
				r.persist(state, statePath)
				r.snapshotMetrics()
				r.store.IncStageSuccess()
				r.store.IncStageTimeout()
				result.Degraded = true
				r.log.Warn().Str("event", "stage_timeout").
					Str("stage", name).
					Float64("elapsed_s", elapsed.Seconds()).
					Bool("partial_success", true).
					Msg("stage timed out with usable output, continuing degraded")
				continue
			}

			entry.Status = StatusFailed
			entry.Error = &StageError{
				Type:           ErrTypeStageTimeout,
				Message:        fmt.Sprintf("stage %s exceeded %.0fs", name, stageTimeout.Seconds()),
				Stage:          name,
				TimeoutS:       stageTimeout.Seconds(),
				ElapsedS:       elapsed.Seconds(),
				OutputErrors:   outputErrs,
				HasMinimumData: &hasMin,
			}
			r.persist(state, statePath)
			r.snapshotMetrics()
			r.store.IncStageFailed()
			r.store.IncStageTimeout()
			r.log.Error().Str("event", "stage_timeout").
				Str("stage", name).
				Float64("elapsed_s", elapsed.Seconds()).
				Bool("partial_success", false).
				Msg("stage timed out without usable output")
			result.ExitCode = maxExit(result.ExitCode, ExitStageError)
			result.FailedStages = append(result.FailedStages, name)
			if opts.ContinueOnError || !opts.FailFast {
				continue
			}
			break
		}

		if outputErrs := def.ValidateOutputs(sc); len(outputErrs) > 0 {
			entry.Status = StatusFailed
			entry.Error = &StageError{
				Type:         ErrTypeArtifactValidation,
				Message:      strings.Join(outputErrs, "; "),
				Stage:        name,
				OutputErrors: outputErrs,
			}
			r.persist(state, statePath)
			r.snapshotMetrics()
			r.store.IncStageFailed()
			r.log.Error().Str("event", "stage_failed").
				Str("stage", name).
				Strs("output_errors", outputErrs).
				Msg("output artifacts invalid")
			result.ExitCode = maxExit(result.ExitCode, ExitValidationError)
			result.FailedStages = append(result.FailedStages, name)
			if opts.ContinueOnError || !opts.FailFast {
				continue
			}
			break
		}

		entry.Status = StatusSuccess
		r.persist(state, statePath)
		r.snapshotMetrics()
		r.store.IncStageSuccess()
		r.log.Info().Str("event", "stage_end").
			Str("stage", name).
			Float64("elapsed_s", elapsed.Seconds()).
			Msg("stage finished")
	}

	r.store.SetRunDegraded(result.Degraded)
	r.persist(state, statePath)
	r.snapshotMetrics()
	r.log.Info().Str("event", "pipeline_done").
		Int("exit_code", result.ExitCode).
		Bool("degraded", result.Degraded).
		Bool("timed_out", result.TimedOut).
		Msg("pipeline finished")
	return result
}

// loadOrInitState returns the durable state, resuming an existing file only
// when asked to. A nil state means the run must abort with the exit code.
func (r *Runner) loadOrInitState(statePath string, opts Options) (*State, int) {
	if opts.Resume {
		if _, err := os.Stat(statePath); err == nil {
			state, err := LoadState(statePath)
			if err != nil {
				var mismatch *SpecVersionMismatchError
				if errors.As(err, &mismatch) {
					r.log.Error().Str("event", "state_incompatible").
						Str("found", mismatch.Found).
						Str("expected", mismatch.Expected).
						Msg("refusing to resume incompatible run directory")
				} else {
					r.log.Error().Str("event", "state_incompatible").
						Err(err).
						Msg("pipeline state unreadable")
				}
				return nil, ExitValidationError
			}
			return state, ExitOK
		}
	}
	return NewState(r.layout.RunID, version.Scanner, r.defs), ExitOK
}

// hasMinimumData decides whether a timed-out stage still produced enough to
// continue degraded. Spread needs the uptime floor's worth of ticks, depth
// needs at least one; other stages never qualify.
func (r *Runner) hasMinimumData(stage string, stageMetrics map[string]any) bool {
	switch stage {
	case StageSpread:
		spreadCfg := r.cfg.Sampling.Spread
		targetTicks := int(math.Ceil(spreadCfg.DurationS / spreadCfg.IntervalS))
		if targetTicks < 1 {
			targetTicks = 1
		}
		needed := int(math.Ceil(float64(targetTicks) * spreadCfg.MinUptime))
		if needed < 1 {
			needed = 1
		}
		return metricInt(stageMetrics, "ticks_success") >= needed
	case StageDepth:
		return metricInt(stageMetrics, "ticks_success") >= 1
	default:
		return false
	}
}

func (r *Runner) persist(state *State, path string) {
	if err := state.Write(path); err != nil {
		r.log.Warn().Str("event", "state_write_failed").Err(err).Msg("could not persist pipeline state")
	}
}

func (r *Runner) snapshotMetrics() {
	if err := r.store.WriteSnapshot(r.layout.Path(artifacts.FileMetrics)); err != nil {
		r.log.Warn().Str("event", "metrics_write_failed").Err(err).Msg("could not persist metrics snapshot")
	}
}

func planContains(plan []string, name string) bool {
	for _, stage := range plan {
		if stage == name {
			return true
		}
	}
	return false
}

func maxExit(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// metricInt reads a numeric stage metric; values round-trip through JSON as
// float64 on resume.
func metricInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func metricBool(m map[string]any, key string) bool {
	v, ok := m[key].(bool)
	return ok && v
}
