package history

import (
	"database/sql"
	"fmt"
	"time"
)

const insertItemSQL = `INSERT INTO items (run_id, name, status, duration_seconds, attempt) VALUES (?, ?, ?, ?, ?)`

// ItemRecord is one terminal item outcome, enqueued as the scheduler's
// progress callback fires.
type ItemRecord struct {
	Name     string
	Status   string // "succeeded", "failed", "skipped-done", "skipped-missing"
	Duration time.Duration
	Attempt  int
}

// Writer batches item records into periodic transactions, mirroring the
// teacher's channel-fed ingester so history persistence never sits on
// the scheduler's hot path.
type Writer struct {
	db            *sql.DB
	runID         int64
	itemCh        chan ItemRecord
	batchSize     int
	flushInterval time.Duration

	stmt  *sql.Stmt
	batch []ItemRecord
}

// NewWriter constructs a Writer for runID. batchSize and flushInterval
// bound how long a record can sit unflushed.
func NewWriter(db *sql.DB, runID int64, batchSize int, flushInterval time.Duration) *Writer {
	if batchSize <= 0 {
		batchSize = 200
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Writer{
		db:            db,
		runID:         runID,
		itemCh:        make(chan ItemRecord, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		batch:         make([]ItemRecord, 0, batchSize),
	}
}

// Enqueue submits a record for eventual persistence. It blocks only if
// the writer's buffer is saturated, which would mean the writer goroutine
// has fallen far behind the scheduler.
func (w *Writer) Enqueue(rec ItemRecord) {
	w.itemCh <- rec
}

// Close signals no more records are coming; Run will flush and return
// once it has drained the channel.
func (w *Writer) Close() {
	close(w.itemCh)
}

// Run consumes records until Close is called, flushing on batchSize or
// flushInterval, whichever comes first. Intended to run on its own
// goroutine.
func (w *Writer) Run() error {
	stmt, err := w.db.Prepare(insertItemSQL)
	if err != nil {
		return fmt.Errorf("history: prepare item insert: %w", err)
	}
	w.stmt = stmt
	defer stmt.Close()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-w.itemCh:
			if !ok {
				return w.flush()
			}
			w.batch = append(w.batch, rec)
			if len(w.batch) >= w.batchSize {
				if err := w.flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
}

func (w *Writer) flush() error {
	if len(w.batch) == 0 {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("history: begin item transaction: %w", err)
	}
	stmt := tx.Stmt(w.stmt)
	for _, rec := range w.batch {
		if _, err := stmt.Exec(w.runID, rec.Name, rec.Status, rec.Duration.Seconds(), rec.Attempt); err != nil {
			tx.Rollback()
			return fmt.Errorf("history: insert item %q: %w", rec.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit item transaction: %w", err)
	}
	w.batch = w.batch[:0]
	return nil
}

// RunConfig captures the invocation parameters recorded at the start of
// a run.
type RunConfig struct {
	Source      string
	Destination string
	Command     string
	Shell       string
	Processes   int
	Retries     int
	Recreate    bool
	Stdin       bool
}

// StartRun inserts the run row and returns its id for use by Writer and
// FinishRun.
func StartRun(db *sql.DB, cfg RunConfig, startedAt time.Time) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO runs (source, destination, command, shell, processes, retries, recreate, stdin, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.Source, cfg.Destination, cfg.Command, cfg.Shell, cfg.Processes, cfg.Retries,
		boolToInt(cfg.Recreate), boolToInt(cfg.Stdin), startedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("history: insert run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun records the terminal counts (and optional error) for runID.
func FinishRun(db *sql.DB, runID int64, endedAt time.Time, succeeded, failed, skipped int, runErr error) error {
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := db.Exec(
		`UPDATE runs SET ended_at = ?, succeeded = ?, failed = ?, skipped = ?, error = ? WHERE id = ?`,
		endedAt.Unix(), succeeded, failed, skipped, errText, runID,
	)
	if err != nil {
		return fmt.Errorf("history: finalize run %d: %w", runID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
