// Package artifacts owns the on-disk run directory: layout, atomic JSON
// writes, append-only JSONL capture, and artifact validation.
package artifacts

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Canonical artifact filenames within a run directory.
const (
	FileRunMeta         = "run_meta.json"
	FilePipelineState   = "pipeline_state.json"
	FileMetrics         = "metrics.json"
	FileLogs            = "logs.jsonl"
	FileUniverse        = "universe.json"
	FileUniverseRejects = "universe_rejects.csv"
	FileRawBookTicker   = "raw_bookticker.jsonl"
	FileRawBookTickerGz = "raw_bookticker.jsonl.gz"
	FileSummaryCSV      = "summary.csv"
	FileSummaryJSON     = "summary.json"
	FileDepthMetrics    = "depth_metrics.csv"
	FileSummaryEnriched = "summary_enriched.csv"
	FileShortlist       = "shortlist.csv"
	FileReport          = "report.md"
)

// NewRunID builds a run identifier of the form YYYYMMDD_HHMMSSZ_<6 hex>.
func NewRunID(now time.Time) string {
	id := uuid.New()
	suffix := hex.EncodeToString(id[:3])
	return fmt.Sprintf("%s_%s", now.UTC().Format("20060102_150405Z"), suffix)
}

// Layout resolves artifact paths inside one run directory.
type Layout struct {
	OutputDir string
	RunID     string
}

// Dir returns the run directory path.
func (l Layout) Dir() string {
	return filepath.Join(l.OutputDir, "run_"+l.RunID)
}

// Path resolves an artifact filename inside the run directory.
func (l Layout) Path(name string) string {
	return filepath.Join(l.Dir(), name)
}

// RawBookTickerPath picks the plain or gzip raw capture filename.
func (l Layout) RawBookTickerPath(gzipped bool) string {
	if gzipped {
		return l.Path(FileRawBookTickerGz)
	}
	return l.Path(FileRawBookTicker)
}

// Ensure creates the run directory (and parents) if needed.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.Dir(), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	return nil
}

// RunMeta is the identity record written at run start and finalized at exit.
type RunMeta struct {
	RunID          string `json:"run_id"`
	RunName        string `json:"run_name,omitempty"`
	StartedAt      string `json:"started_at"`
	FinishedAt     string `json:"finished_at,omitempty"`
	GitCommit      string `json:"git_commit,omitempty"`
	Config         any    `json:"config"`
	ConfigHash     string `json:"config_hash"`
	Status         string `json:"status"`
	RunHealth      string `json:"run_health,omitempty"`
	ScannerVersion string `json:"scanner_version"`
	SpecVersion    string `json:"spec_version"`
	Error          string `json:"error,omitempty"`
}

// WriteRunMeta writes run_meta.json atomically.
func WriteRunMeta(layout Layout, meta RunMeta) error {
	return WriteJSONAtomic(layout.Path(FileRunMeta), meta)
}

// ReadRunMeta loads an existing run_meta.json, if any.
func ReadRunMeta(layout Layout) (*RunMeta, error) {
	var meta RunMeta
	if err := ReadJSON(layout.Path(FileRunMeta), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
