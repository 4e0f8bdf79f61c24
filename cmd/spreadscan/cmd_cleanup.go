package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spreadscan/spreadscan/internal/cleanup"
	"github.com/spreadscan/spreadscan/internal/logging"
)

func cleanupCmd() *cobra.Command {
	var (
		outputDir string
		keepDays  int
		keepLast  int
		dryRun    bool
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old run directories",
		RunE: func(_ *cobra.Command, _ []string) error {
			log, closer, err := logging.NewRunLogger(logging.Settings{
				Level:   "info",
				Console: true,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer closer.Close()

			_, code, err := cleanup.Run(outputDir, cleanup.Options{
				KeepDays: keepDays,
				KeepLast: keepLast,
				DryRun:   dryRun,
				Verbose:  verbose,
			}, log)
			if err != nil {
				log.Error().Str("event", "cleanup_failed").Err(err).Msg("cleanup aborted")
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outputDir, "output", "", "Output directory")
	cmd.Flags().IntVar(&keepDays, "keep-days", 7, "Days to keep run directories")
	cmd.Flags().IntVar(&keepLast, "keep-last", 20, "Always keep the newest N runs")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview removals only")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Log kept directories too")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
