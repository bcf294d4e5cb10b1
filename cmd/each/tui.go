package main

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/halvorsen/each/internal/history"
	"github.com/halvorsen/each/internal/pathutil"
	"github.com/halvorsen/each/internal/tui"
	"github.com/spf13/cobra"

	tea "github.com/charmbracelet/bubbletea"
	_ "modernc.org/sqlite"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Browse a batch's item outcomes interactively",
	RunE:  runTUI,
}

var (
	tuiDestination string
	tuiHistoryDB   string
)

func init() {
	tuiCmd.Flags().StringVar(&tuiDestination, "destination", "", "Destination directory of the run to browse")
	tuiCmd.Flags().StringVar(&tuiHistoryDB, "history-db", "", "Path to the history database (default: <destination>/.each-history.db)")
	tuiCmd.MarkFlagRequired("destination")
}

func runTUI(cmd *cobra.Command, args []string) error {
	destination, err := filepath.Abs(tuiDestination)
	if err != nil {
		return fmt.Errorf("resolve destination %q: %w", tuiDestination, err)
	}
	destination = pathutil.Normalize(destination)

	dbPath := tuiHistoryDB
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

	// This command is always a separate process from the run it's
	// browsing, with no channel back to a scheduler goroutine, so it only
	// ever shows the latest persisted state. Live-attach lives on `each
	// run --tui` instead, where the scheduler and the browser share a
	// process and a real Snapshot channel.
	model := tui.NewModel(db, run.ID, nil)
	p := tea.NewProgram(model, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
