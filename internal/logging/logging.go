// Package logging builds the run-scoped structured logger. Events go to the
// console for the operator and, when enabled, to the run directory's
// logs.jsonl for machine analysis.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Settings configures a run logger.
type Settings struct {
	Level   string // debug, info, warn, error
	RunID   string
	LogFile string // empty disables the JSONL file sink
	Console bool
}

// NewRunLogger returns a logger tagged with the run id. The returned closer
// owns the logs.jsonl handle and must be closed at run exit.
func NewRunLogger(settings Settings) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(settings.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("parse log level %q: %w", settings.Level, err)
	}

	var writers []io.Writer
	if settings.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	var closer io.Closer = nopCloser{}
	if settings.LogFile != "" {
		file, err := os.OpenFile(settings.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("run_id", settings.RunID).
		Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
}
