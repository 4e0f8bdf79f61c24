// Package cleanup evicts old run directories from the output root,
// keeping the newest keep-last unconditionally and everything younger
// than keep-days.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options control one cleanup pass.
type Options struct {
	KeepDays int
	KeepLast int
	DryRun   bool
	Verbose  bool
	Now      time.Time // zero means time.Now
}

// Summary reports what the pass did.
type Summary struct {
	Removed []string
	Kept    []string
	Skipped []string
}

type candidate struct {
	path       string
	modifiedAt time.Time
}

// Run walks outputDir for run_* directories and removes the expired ones.
// The returned exit code follows the CLI contract: 0 ok, 1 when the output
// directory is missing or a removal fails.
func Run(outputDir string, opts Options, log zerolog.Logger) (Summary, int, error) {
	if opts.KeepDays < 0 || opts.KeepLast < 0 {
		return Summary{}, 2, fmt.Errorf("keep-days and keep-last must be non-negative")
	}
	if _, err := os.Stat(outputDir); err != nil {
		return Summary{}, 1, fmt.Errorf("output directory does not exist: %s", outputDir)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	candidates, err := listRunDirs(outputDir)
	if err != nil {
		return Summary{}, 1, err
	}
	if len(candidates) == 0 {
		if opts.Verbose {
			log.Info().Str("event", "cleanup_empty").
				Str("output_dir", outputDir).
				Msg("no run directories found")
		}
		return Summary{}, 0, nil
	}

	summary := selectRemovals(candidates, opts.KeepDays, opts.KeepLast, now)

	for _, path := range summary.Removed {
		if opts.DryRun {
			log.Info().Str("event", "cleanup_dry_run").Str("path", path).Msg("would remove")
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return summary, 1, fmt.Errorf("remove %s: %w", path, err)
		}
		log.Info().Str("event", "cleanup_removed").Str("path", path).Msg("removed run directory")
	}

	if opts.Verbose {
		for _, path := range summary.Kept {
			log.Info().Str("event", "cleanup_kept").Str("path", path).Msg("kept, within keep-last")
		}
		for _, path := range summary.Skipped {
			log.Info().Str("event", "cleanup_kept").Str("path", path).
				Int("keep_days", opts.KeepDays).Msg("kept, within keep-days")
		}
	}

	log.Info().Str("event", "cleanup_done").
		Int("removed", len(summary.Removed)).
		Int("kept", len(summary.Kept)).
		Int("skipped", len(summary.Skipped)).
		Msg("cleanup finished")
	return summary, 0, nil
}

func listRunDirs(outputDir string) ([]candidate, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("list output dir: %w", err)
	}
	var candidates []candidate
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "run_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			path:       filepath.Join(outputDir, entry.Name()),
			modifiedAt: info.ModTime().UTC(),
		})
	}
	return candidates, nil
}

// selectRemovals keeps the newest keepLast directories outright, then ages
// out the rest against keepDays.
func selectRemovals(candidates []candidate, keepDays, keepLast int, now time.Time) Summary {
	ordered := make([]candidate, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].modifiedAt.After(ordered[j].modifiedAt)
	})

	keep := map[string]bool{}
	if keepLast > 0 {
		for _, item := range ordered[:min(keepLast, len(ordered))] {
			keep[item.path] = true
		}
	}

	var summary Summary
	for _, item := range ordered {
		if keep[item.path] {
			summary.Kept = append(summary.Kept, item.path)
			continue
		}
		ageDays := now.Sub(item.modifiedAt).Hours() / 24
		if ageDays > float64(keepDays) {
			summary.Removed = append(summary.Removed, item.path)
		} else {
			summary.Skipped = append(summary.Skipped, item.path)
		}
	}
	return summary
}
