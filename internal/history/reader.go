package history

import (
	"database/sql"
	"fmt"
	"time"
)

// RunSummary is one row of the runs table, as reported by `each info`.
type RunSummary struct {
	ID          int64
	Source      string
	Destination string
	Command     string
	Shell       string
	Processes   int
	Retries     int
	Recreate    bool
	Stdin       bool
	StartedAt   time.Time
	EndedAt     time.Time // zero if the run never finished (crash, kill -9)
	Succeeded   int
	Failed      int
	Skipped     int
	Error       string
}

// LatestRun returns the most recently started run recorded against
// destination, or nil if none exists.
func LatestRun(db *sql.DB, destination string) (*RunSummary, error) {
	row := db.QueryRow(`
		SELECT id, source, destination, command, shell, processes, retries, recreate, stdin,
		       started_at, COALESCE(ended_at, 0), succeeded, failed, skipped, COALESCE(error, '')
		FROM runs WHERE destination = ? ORDER BY started_at DESC LIMIT 1
	`, destination)
	return scanRunSummary(row)
}

// Run returns a specific run by id.
func Run(db *sql.DB, runID int64) (*RunSummary, error) {
	row := db.QueryRow(`
		SELECT id, source, destination, command, shell, processes, retries, recreate, stdin,
		       started_at, COALESCE(ended_at, 0), succeeded, failed, skipped, COALESCE(error, '')
		FROM runs WHERE id = ?
	`, runID)
	return scanRunSummary(row)
}

func scanRunSummary(row *sql.Row) (*RunSummary, error) {
	var s RunSummary
	var started, ended int64
	var recreate, stdin int
	if err := row.Scan(&s.ID, &s.Source, &s.Destination, &s.Command, &s.Shell, &s.Processes,
		&s.Retries, &recreate, &stdin, &started, &ended, &s.Succeeded, &s.Failed, &s.Skipped, &s.Error); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("history: scan run: %w", err)
	}
	s.Recreate = recreate != 0
	s.Stdin = stdin != 0
	s.StartedAt = time.Unix(started, 0)
	if ended > 0 {
		s.EndedAt = time.Unix(ended, 0)
	}
	return &s, nil
}

// ItemSummary is one row of the items table, as reported by `each query`.
type ItemSummary struct {
	Name     string
	Status   string
	Duration time.Duration
	Attempt  int
}

// ItemsByStatus lists items from runID filtered by status; an empty
// status lists every item.
func ItemsByStatus(db *sql.DB, runID int64, status string) ([]ItemSummary, error) {
	query := `SELECT name, status, duration_seconds, attempt FROM items WHERE run_id = ?`
	args := []interface{}{runID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY duration_seconds DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query items: %w", err)
	}
	defer rows.Close()

	var out []ItemSummary
	for rows.Next() {
		var it ItemSummary
		var seconds float64
		if err := rows.Scan(&it.Name, &it.Status, &seconds, &it.Attempt); err != nil {
			return nil, fmt.Errorf("history: scan item: %w", err)
		}
		it.Duration = time.Duration(seconds * float64(time.Second))
		out = append(out, it)
	}
	return out, rows.Err()
}
