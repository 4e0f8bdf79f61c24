package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/spreadscan/spreadscan/internal/artifacts"
	"github.com/spreadscan/spreadscan/internal/config"
	"github.com/spreadscan/spreadscan/internal/logging"
	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/mexc"
	"github.com/spreadscan/spreadscan/internal/mexc/ratelimit"
	"github.com/spreadscan/spreadscan/internal/pipeline"
	"github.com/spreadscan/spreadscan/internal/version"
)

type runFlags struct {
	configPath         string
	outputDir          string
	runID              string
	dryRun             bool
	logLevel           string
	from               string
	to                 string
	stages             string
	resume             bool
	force              bool
	failFast           bool
	continueOnError    bool
	artifactValidation string
}

func runCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return executeRun(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to config YAML")
	cmd.Flags().StringVar(&flags.outputDir, "output", "", "Output directory")
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "Resume an existing run id")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Validate plan and artifacts only")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Logging level (overrides obs.log_level)")
	cmd.Flags().StringVar(&flags.from, "from", "", "Start stage")
	cmd.Flags().StringVar(&flags.to, "to", "", "End stage")
	cmd.Flags().StringVar(&flags.stages, "stages", "", "Comma-separated stage list")
	cmd.Flags().BoolVar(&flags.resume, "resume", true, "Skip stages with valid outputs")
	cmd.Flags().BoolVar(&flags.force, "force", false, "Re-run stages even with valid outputs")
	cmd.Flags().BoolVar(&flags.failFast, "fail-fast", true, "Stop on first stage failure")
	cmd.Flags().BoolVar(&flags.continueOnError, "continue-on-error", false, "Keep running after stage failures")
	cmd.Flags().StringVar(&flags.artifactValidation, "artifact-validation", "", "strict or lenient")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func executeRun(cmd *cobra.Command, flags *runFlags) error {
	runID := flags.runID
	if runID == "" {
		runID = artifacts.NewRunID(time.Now())
	}
	startedAt := time.Now().UTC().Format(time.RFC3339)

	// Bootstrap console logger until the run directory exists.
	bootLevel := flags.logLevel
	if bootLevel == "" {
		bootLevel = "info"
	}
	log, closer, err := logging.NewRunLogger(logging.Settings{
		Level:   bootLevel,
		RunID:   runID,
		Console: true,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()

	if err := os.MkdirAll(flags.outputDir, 0o755); err != nil {
		log.Error().Str("event", "output_not_writable").Err(err).Msg("cannot create output directory")
		return &exitError{code: 1}
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		log.Error().Str("event", "config_invalid").Err(err).Msg("config rejected")
		return &exitError{code: pipeline.ExitConfigError}
	}

	layout := artifacts.Layout{OutputDir: flags.outputDir, RunID: runID}
	if err := layout.Ensure(); err != nil {
		log.Error().Str("event", "output_not_writable").Err(err).Msg("cannot create run directory")
		return &exitError{code: 1}
	}

	level := flags.logLevel
	if level == "" {
		level = cfg.Obs.LogLevel
	}
	logFile := ""
	if cfg.Obs.LogJSONL {
		logFile = layout.Path(artifacts.FileLogs)
	}
	closer.Close()
	log, closer, err = logging.NewRunLogger(logging.Settings{
		Level:   level,
		RunID:   runID,
		LogFile: logFile,
		Console: true,
	})
	if err != nil {
		return fmt.Errorf("init run logger: %w", err)
	}
	defer closer.Close()

	if code := checkExistingRunMeta(layout, log); code != 0 {
		return &exitError{code: code}
	}

	configHash, err := cfg.Hash()
	if err != nil {
		log.Error().Str("event", "config_invalid").Err(err).Msg("config hash failed")
		return &exitError{code: pipeline.ExitConfigError}
	}
	gitCommit := gitCommitHash()

	meta := artifacts.RunMeta{
		RunID:          runID,
		StartedAt:      startedAt,
		GitCommit:      gitCommit,
		Config:         cfg,
		ConfigHash:     configHash,
		Status:         "running",
		RunHealth:      metrics.HealthOK,
		ScannerVersion: version.Scanner,
		SpecVersion:    pipeline.SpecVersion,
	}
	if err := artifacts.WriteRunMeta(layout, meta); err != nil {
		log.Error().Str("event", "output_not_writable").Err(err).Msg("cannot write run_meta.json")
		return &exitError{code: 1}
	}

	store := metrics.NewStore()
	bucket := ratelimit.NewBucket(cfg.Mexc.MaxRPS)
	client := mexc.NewClient(mexc.Config{
		BaseURL:     cfg.Mexc.BaseURL,
		Timeout:     cfg.Mexc.Timeout(),
		MaxRetries:  cfg.Mexc.MaxRetries,
		BackoffBase: cfg.Mexc.BackoffBase(),
		BackoffMax:  cfg.Mexc.BackoffMax(),
	}, bucket, store, log)

	opts := pipeline.Options{
		Stages:             parseStageList(flags.stages),
		From:               flags.from,
		To:                 flags.to,
		Resume:             flags.resume,
		Force:              flags.force,
		FailFast:           flags.failFast,
		ContinueOnError:    flags.continueOnError,
		DryRun:             flags.dryRun,
		ArtifactValidation: flags.artifactValidation,
	}

	log.Info().Str("event", "run_started").Bool("dry_run", flags.dryRun).Msg("run initialized")
	result := pipeline.NewRunner(cfg, layout, client, store, log).Run(cmd.Context(), opts)

	health := store.Health()
	if health.RunHealth != metrics.HealthOK {
		store.SetRunDegraded(true)
	}
	if err := store.WriteSnapshot(layout.Path(artifacts.FileMetrics)); err != nil {
		log.Warn().Str("event", "metrics_write_failed").Err(err).Msg("could not persist metrics snapshot")
	}

	meta.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	meta.RunHealth = health.RunHealth
	if result.ExitCode == pipeline.ExitOK {
		meta.Status = "success"
	} else {
		meta.Status = "failed"
		meta.Error = fmt.Sprintf("pipeline_exit_%d", result.ExitCode)
	}
	if err := artifacts.WriteRunMeta(layout, meta); err != nil {
		log.Warn().Str("event", "output_not_writable").Err(err).Msg("cannot finalize run_meta.json")
	}

	log.Info().Str("event", "run_complete").
		Int("exit_code", result.ExitCode).
		Bool("degraded", result.Degraded).
		Str("run_health", health.RunHealth).
		Msg("run complete")

	if result.ExitCode != pipeline.ExitOK {
		return &exitError{code: result.ExitCode}
	}
	return nil
}

// checkExistingRunMeta refuses a run directory written by a different
// pipeline schema. Returns a non-zero exit code on refusal.
func checkExistingRunMeta(layout artifacts.Layout, log zerolog.Logger) int {
	data, err := os.ReadFile(layout.Path(artifacts.FileRunMeta))
	if err != nil {
		return 0 // fresh run directory
	}
	var existing struct {
		SpecVersion string `json:"spec_version"`
	}
	if err := json.Unmarshal(data, &existing); err != nil {
		log.Error().Str("event", "run_meta_invalid").Err(err).Msg("existing run_meta.json unreadable")
		return pipeline.ExitValidationError
	}
	if existing.SpecVersion != pipeline.SpecVersion {
		log.Error().Str("event", "run_meta_incompatible").
			Str("existing", existing.SpecVersion).
			Str("current", pipeline.SpecVersion).
			Msg("spec version mismatch; clean run folder or use a new run id")
		return pipeline.ExitValidationError
	}
	return 0
}

func gitCommitHash() string {
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func parseStageList(raw string) []string {
	if raw == "" {
		return nil
	}
	var stages []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			stages = append(stages, trimmed)
		}
	}
	return stages
}
