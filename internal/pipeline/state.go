// Package pipeline orchestrates the stage sequence with durable state,
// resume semantics, deadlines, and partial-success timeout handling.
package pipeline

import (
	"fmt"
	"time"

	"github.com/spreadscan/spreadscan/internal/artifacts"
)

// SpecVersion is the pipeline_state.json schema version. A mismatch on load
// refuses the run directory.
const SpecVersion = "0.1"

// Stage status values.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusTimeout = "timeout"
	StatusFailed  = "failed"
)

// Error type labels recorded in stage state.
const (
	ErrTypeStageTimeout       = "StageTimeoutError"
	ErrTypeArtifactValidation = "ArtifactValidationError"
)

// SpecVersionMismatchError refuses a state file written by a different
// schema revision.
type SpecVersionMismatchError struct {
	Found    string
	Expected string
}

func (e *SpecVersionMismatchError) Error() string {
	return fmt.Sprintf("pipeline_state spec_version mismatch: %s != %s", e.Found, e.Expected)
}

// StageError is the error payload recorded for a failed or timed-out stage.
type StageError struct {
	Type           string   `json:"type"`
	Message        string   `json:"message,omitempty"`
	Stage          string   `json:"stage,omitempty"`
	TimeoutS       float64  `json:"timeout_s,omitempty"`
	ElapsedS       float64  `json:"elapsed_s,omitempty"`
	OutputErrors   []string `json:"output_errors,omitempty"`
	HasMinimumData *bool    `json:"has_minimum_data,omitempty"`
}

// StageState tracks one stage through the run.
type StageState struct {
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	StartedAt  *string        `json:"started_at"`
	FinishedAt *string        `json:"finished_at"`
	Inputs     []string       `json:"inputs"`
	Outputs    []string       `json:"outputs"`
	Metrics    map[string]any `json:"metrics"`
	Error      *StageError    `json:"error"`
}

// TimedOut reports whether the stage's last recorded outcome was a timeout,
// either via its metrics flag or a recorded StageTimeoutError.
func (s *StageState) TimedOut() bool {
	if s.Status == StatusTimeout {
		return true
	}
	if v, ok := s.Metrics["timed_out"].(bool); ok && v {
		return true
	}
	return s.Error != nil && s.Error.Type == ErrTypeStageTimeout
}

// State is the durable pipeline_state.json payload.
type State struct {
	RunID          string        `json:"run_id"`
	ScannerVersion string        `json:"scanner_version"`
	SpecVersion    string        `json:"spec_version"`
	Stages         []*StageState `json:"stages"`
	UpdatedAt      string        `json:"updated_at"`
}

// NewState initializes pending stage entries for the given definitions.
func NewState(runID, scannerVersion string, defs []StageDefinition) *State {
	stages := make([]*StageState, 0, len(defs))
	for _, def := range defs {
		stages = append(stages, &StageState{
			Name:    def.Name,
			Status:  StatusPending,
			Inputs:  append([]string{}, def.Inputs...),
			Outputs: append([]string{}, def.Outputs...),
			Metrics: map[string]any{},
		})
	}
	return &State{
		RunID:          runID,
		ScannerVersion: scannerVersion,
		SpecVersion:    SpecVersion,
		Stages:         stages,
		UpdatedAt:      nowISO(),
	}
}

// LoadState reads pipeline_state.json, refusing a spec-version mismatch.
func LoadState(path string) (*State, error) {
	var state State
	if err := artifacts.ReadJSON(path, &state); err != nil {
		return nil, err
	}
	if state.SpecVersion != SpecVersion {
		return nil, &SpecVersionMismatchError{Found: state.SpecVersion, Expected: SpecVersion}
	}
	for _, stage := range state.Stages {
		if stage.Metrics == nil {
			stage.Metrics = map[string]any{}
		}
	}
	return &state, nil
}

// Write persists the state atomically and bumps updated_at.
func (s *State) Write(path string) error {
	s.UpdatedAt = nowISO()
	return artifacts.WriteJSONAtomic(path, s)
}

// Stage looks a stage entry up by name.
func (s *State) Stage(name string) (*StageState, error) {
	for _, stage := range s.Stages {
		if stage.Name == name {
			return stage, nil
		}
	}
	return nil, fmt.Errorf("stage not found in pipeline state: %s", name)
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func isoPtr(t time.Time) *string {
	v := t.UTC().Format(time.RFC3339)
	return &v
}
