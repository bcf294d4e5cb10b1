package main

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/halvorsen/each/internal/history"
	"github.com/halvorsen/each/internal/pathutil"
	"github.com/spf13/cobra"

	_ "modernc.org/sqlite"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print summary statistics for the most recent run against a destination",
	RunE:  runInfo,
}

var (
	infoDestination string
	infoHistoryDB   string
)

func init() {
	infoCmd.Flags().StringVar(&infoDestination, "destination", "", "Destination directory of the run to summarize")
	infoCmd.Flags().StringVar(&infoHistoryDB, "history-db", "", "Path to the history database (default: <destination>/.each-history.db)")
	infoCmd.MarkFlagRequired("destination")
}

func runInfo(cmd *cobra.Command, args []string) error {
	destination, err := filepath.Abs(infoDestination)
	if err != nil {
		return fmt.Errorf("resolve destination %q: %w", infoDestination, err)
	}
	destination = pathutil.Normalize(destination)

	dbPath := infoHistoryDB
	if dbPath == "" {
		dbPath = defaultHistoryDB(destination)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer db.Close()

	run, err := history.LatestRun(db, destination)
	if err != nil {
		return fmt.Errorf("load latest run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("no recorded runs for destination %q", destination)
	}

	fmt.Printf("Run Information\n")
	fmt.Printf("===============\n\n")
	fmt.Printf("Source:      %s\n", run.Source)
	fmt.Printf("Destination: %s\n", run.Destination)
	fmt.Printf("Command:     %s\n", run.Command)
	fmt.Printf("Shell:       %s\n", run.Shell)
	fmt.Printf("Processes:   %d\n", run.Processes)
	fmt.Printf("Retries:     %d\n", run.Retries)
	fmt.Printf("Started:     %s\n", run.StartedAt.Format(time.RFC3339))
	if !run.EndedAt.IsZero() {
		fmt.Printf("Ended:       %s\n", run.EndedAt.Format(time.RFC3339))
		fmt.Printf("Duration:    %s\n", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	} else {
		fmt.Printf("Ended:       (in progress or interrupted)\n")
	}

	fmt.Printf("\nStatistics\n")
	fmt.Printf("----------\n")
	fmt.Printf("Succeeded: %s\n", humanize.Comma(int64(run.Succeeded)))
	fmt.Printf("Failed:    %s\n", humanize.Comma(int64(run.Failed)))
	fmt.Printf("Skipped:   %s\n", humanize.Comma(int64(run.Skipped)))
	if run.Error != "" {
		fmt.Printf("Error:     %s\n", run.Error)
	}

	return nil
}
