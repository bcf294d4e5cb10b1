package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/halvorsen/each/internal/history"
	"github.com/halvorsen/each/internal/pathutil"
	"github.com/spf13/cobra"

	_ "modernc.org/sqlite"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "List a run's items by status or duration, for scripting",
	RunE:  runQuery,
}

var (
	queryDestination string
	queryHistoryDB   string
	queryStatus      string
)

func init() {
	queryCmd.Flags().StringVar(&queryDestination, "destination", "", "Destination directory of the run to query")
	queryCmd.Flags().StringVar(&queryHistoryDB, "history-db", "", "Path to the history database (default: <destination>/.each-history.db)")
	queryCmd.Flags().StringVar(&queryStatus, "status", "", "Filter by status: succeeded, failed, skipped-done, skipped-missing (default: all)")
	queryCmd.MarkFlagRequired("destination")
}

func runQuery(cmd *cobra.Command, args []string) error {
	destination, err := filepath.Abs(queryDestination)
	if err != nil {
		return fmt.Errorf("resolve destination %q: %w", queryDestination, err)
	}
	destination = pathutil.Normalize(destination)

	dbPath := queryHistoryDB
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

	items, err := history.ItemsByStatus(db, run.ID, queryStatus)
	if err != nil {
		return fmt.Errorf("query items: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "NAME\tSTATUS\tATTEMPT\tDURATION\n")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", it.Name, it.Status, it.Attempt, it.Duration)
	}
	return w.Flush()
}
