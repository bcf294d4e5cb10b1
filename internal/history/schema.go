// Package history persists run and item records to a SQLite database so
// `each info`/`each query` can report on past batches without
// re-deriving status from the destination directory. It is a best-effort
// observability layer: the on-disk D/N/{in,out,err,status} layout
// remains the sole source of truth for resumption.
package history

import (
	"database/sql"
	"fmt"
)

const runsTableDDL = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    destination TEXT NOT NULL,
    command TEXT NOT NULL,
    shell TEXT NOT NULL,
    processes INTEGER NOT NULL,
    retries INTEGER NOT NULL,
    recreate INTEGER NOT NULL,
    stdin INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    succeeded INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    error TEXT
);
`

const itemsTableDDL = `
CREATE TABLE IF NOT EXISTS items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    duration_seconds REAL NOT NULL,
    attempt INTEGER NOT NULL
);
`

const itemsRunIndexDDL = `CREATE INDEX IF NOT EXISTS idx_items_run ON items(run_id);`
const itemsStatusIndexDDL = `CREATE INDEX IF NOT EXISTS idx_items_status ON items(run_id, status);`
const runsDestinationIndexDDL = `CREATE INDEX IF NOT EXISTS idx_runs_destination ON runs(destination, started_at DESC);`

// InitSchema creates the runs/items tables and their indexes if absent.
func InitSchema(db *sql.DB) error {
	ddls := []string{runsTableDDL, itemsTableDDL, itemsRunIndexDDL, itemsStatusIndexDDL, runsDestinationIndexDDL}
	for _, ddl := range ddls {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("history: apply schema: %w", err)
		}
	}
	return nil
}

// ApplyWritePragmas tunes SQLite for the batched-transaction write
// pattern the item writer uses.
func ApplyWritePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("history: apply pragma %q: %w", p, err)
		}
	}
	return nil
}
