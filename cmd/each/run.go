package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/halvorsen/each/internal/enumerate"
	"github.com/halvorsen/each/internal/history"
	"github.com/halvorsen/each/internal/layout"
	"github.com/halvorsen/each/internal/pathutil"
	"github.com/halvorsen/each/internal/predictor"
	"github.com/halvorsen/each/internal/runlock"
	"github.com/halvorsen/each/internal/scheduler"
	"github.com/halvorsen/each/internal/tui"
	"github.com/halvorsen/each/internal/workitem"
	"github.com/spf13/cobra"

	tea "github.com/charmbracelet/bubbletea"
	_ "modernc.org/sqlite"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

var runCmd = &cobra.Command{
	Use:   "run <source> <command>",
	Short: "Run command once per file or line under source, in parallel",
	Args:  cobra.ExactArgs(2),
	RunE:  runRun,
}

var (
	runDestination string
	runShell       string
	runRecreate    bool
	runProcesses   int
	runRetries     int
	runStdin       string // "auto", "true", "false"
	runVerbose     bool
	runProgressIvl time.Duration
	runHistoryDB   string
	runLiveTUI     bool
)

func init() {
	runCmd.Flags().StringVar(&runDestination, "destination", "", "Output directory (default: <source> with trailing slashes stripped, plus -results)")
	runCmd.Flags().StringVar(&runShell, "shell", "", "Shell used to run command (default: $SHELL, else bash, else sh)")
	runCmd.Flags().BoolVar(&runRecreate, "recreate", false, "Re-run items that already completed successfully")
	runCmd.Flags().IntVarP(&runProcesses, "processes", "j", 0, "Number of concurrent children (default: max(1, cpus-1))")
	runCmd.Flags().IntVar(&runRetries, "retries", 0, "Number of retries for a failing item")
	runCmd.Flags().StringVar(&runStdin, "stdin", "auto", "Feed item on stdin: auto, true, or false")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Enable verbose scheduler tracing")
	runCmd.Flags().DurationVar(&runProgressIvl, "progress-interval", 2*time.Second, "Emit progress lines to stderr at this interval when not a TTY (0 to disable)")
	runCmd.Flags().StringVar(&runHistoryDB, "history-db", "", "Path to the history database (default: <destination>/.each-history.db)")
	runCmd.Flags().BoolVar(&runLiveTUI, "tui", false, "Replace the raw progress line with the interactive live browser")
}

func runRun(cmd *cobra.Command, args []string) error {
	source, command := args[0], args[1]

	absSource, err := filepath.Abs(source)
	if err != nil {
		return fmt.Errorf("resolve source %q: %w", source, err)
	}
	absSource = pathutil.Normalize(absSource)

	destination := runDestination
	if destination == "" {
		destination = defaultDestination(source)
	}
	destination, err = filepath.Abs(destination)
	if err != nil {
		return fmt.Errorf("resolve destination %q: %w", destination, err)
	}
	destination = pathutil.Normalize(destination)

	shellPath, err := resolveShell(runShell)
	if err != nil {
		return err
	}

	processes := runProcesses
	if processes <= 0 {
		processes = runtime.NumCPU() - 1
		if processes < 1 {
			processes = 1
		}
	}

	useStdin, err := resolveStdin(runStdin, command)
	if err != nil {
		return err
	}

	lock, err := runlock.Acquire(destination)
	if err != nil {
		return err
	}
	defer lock.Release()

	items, err := enumerate.FromPath(absSource)
	if err != nil {
		return fmt.Errorf("enumerate %q: %w", absSource, err)
	}

	seeds := make(map[string]int)
	var toSchedule []workitem.Item
	skippedDone := 0
	skippedDoneAttempts := make(map[string]int)
	for _, it := range items {
		decision, failed := layout.Reconcile(destination, it.Name(), runRecreate, runRetries)
		if decision == layout.Skip {
			skippedDone++
			skippedDoneAttempts[it.Name()] = failed
			continue
		}
		seeds[it.Name()] = failed
		toSchedule = append(toSchedule, it)
	}

	historyDBPath := runHistoryDB
	if historyDBPath == "" {
		historyDBPath = defaultHistoryDB(destination)
	}
	db, writer, runID := openHistoryBestEffort(historyDBPath, history.RunConfig{
		Source:      absSource,
		Destination: destination,
		Command:     command,
		Shell:       shellPath,
		Processes:   processes,
		Retries:     runRetries,
		Recreate:    runRecreate,
		Stdin:       useStdin,
	})
	if db != nil {
		defer db.Close()
	}
	if writer != nil {
		for name, attempt := range skippedDoneAttempts {
			writer.Enqueue(history.ItemRecord{Name: name, Status: scheduler.OutcomeSkippedDone.String(), Attempt: attempt})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nCanceling... (press Ctrl+C again to force)")
		cancel()
		<-sigCh
		os.Exit(130)
	}()

	startTime := time.Now()
	var succeeded, failed, skippedMissing, pendingCount int64
	pendingCount = int64(len(toSchedule))
	var lastPrediction atomic.Value // *predictor.Prediction

	opts := scheduler.Options{
		Destination: destination,
		Command:     command,
		Shell:       shellPath,
		Stdin:       useStdin,
		Processes:   processes,
		Retries:     runRetries,
		Recreate:    runRecreate,
		Verbose:     runVerbose,
		OnProgress: func(name string, outcome scheduler.Outcome, exitCode int, dur time.Duration, attempt int) {
			atomic.AddInt64(&pendingCount, -1)
			switch outcome {
			case scheduler.OutcomeSucceeded:
				atomic.AddInt64(&succeeded, 1)
			case scheduler.OutcomeFailedFinal:
				atomic.AddInt64(&failed, 1)
			case scheduler.OutcomeSkippedMissing:
				atomic.AddInt64(&skippedMissing, 1)
			}
			if writer != nil {
				writer.Enqueue(history.ItemRecord{
					Name:     name,
					Status:   outcome.String(),
					Duration: dur,
					Attempt:  attempt,
				})
			}
		},
		OnPredict: func(pred *predictor.Prediction) {
			lastPrediction.Store(pred)
		},
	}

	opts.Cancel = ctx.Done()

	var schedSnapCh chan scheduler.Snapshot
	if runLiveTUI {
		schedSnapCh = make(chan scheduler.Snapshot, 1)
		opts.Snapshot = schedSnapCh
	}

	sched := scheduler.New(opts, toSchedule, seeds)

	var runErr error
	if runLiveTUI {
		runErr = runWithLiveTUI(sched, schedSnapCh, absSource, destination, command, shellPath, processes, runRetries, runRecreate, useStdin, startTime)
	} else {
		isTTY := isTerminal()
		progressDone := make(chan struct{})
		go runProgressDisplay(progressDone, isTTY, runProgressIvl, startTime, &succeeded, &failed, &skippedMissing, &pendingCount, &lastPrediction)

		runErr = sched.Run()
		close(progressDone)
		if isTTY {
			fmt.Fprintf(os.Stderr, "\r\033[K")
		}
	}

	if writer != nil {
		writer.Close()
	}
	finishHistoryBestEffort(db, runID, time.Now(), int(succeeded), int(failed), skippedDone+int(skippedMissing), runErr)

	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}

	fmt.Printf("Done: %d succeeded, %d failed, %d skipped\n", succeeded, failed, skippedDone+int(skippedMissing))
	return nil
}

// defaultDestination mirrors the "source with trailing slashes stripped,
// -results appended" default from the CLI contract.
func defaultDestination(source string) string {
	trimmed := strings.TrimRight(source, string(filepath.Separator))
	return trimmed + "-results"
}

// resolveShell turns a shell flag/environment value into a path
// os.StartProcess can exec directly: os.StartProcess, unlike os/exec,
// never consults PATH itself.
func resolveShell(flag string) (string, error) {
	candidate := flag
	if candidate == "" {
		candidate = os.Getenv("SHELL")
	}
	if candidate == "" {
		candidate = "bash"
	}
	if filepath.IsAbs(candidate) {
		return candidate, nil
	}
	resolved, err := exec.LookPath(candidate)
	if err != nil {
		if candidate != "sh" {
			if shPath, shErr := exec.LookPath("sh"); shErr == nil {
				return shPath, nil
			}
		}
		return "", fmt.Errorf("resolve shell %q: %w", candidate, err)
	}
	return resolved, nil
}

// resolveStdin implements the "auto" default: stdin mode unless the
// literal "{}" appears in command.
func resolveStdin(mode, command string) (bool, error) {
	switch mode {
	case "auto", "":
		return !strings.Contains(command, "{}"), nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid --stdin value %q (expected auto, true, or false)", mode)
	}
}

func openHistoryBestEffort(path string, cfg history.RunConfig) (*sql.DB, *history.Writer, int64) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not open history database %q: %v\n", path, err)
		return nil, nil, 0
	}
	if err := history.InitSchema(db); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not initialize history schema: %v\n", err)
		db.Close()
		return nil, nil, 0
	}
	if err := history.ApplyWritePragmas(db); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not tune history database: %v\n", err)
	}
	runID, err := history.StartRun(db, cfg, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not record run start: %v\n", err)
		db.Close()
		return nil, nil, 0
	}
	writer := history.NewWriter(db, runID, 200, time.Second)
	go func() {
		if err := writer.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: history writer stopped: %v\n", err)
		}
	}()
	return db, writer, runID
}

func finishHistoryBestEffort(db *sql.DB, runID int64, endedAt time.Time, succeeded, failed, skipped int, runErr error) {
	if db == nil {
		return
	}
	if err := history.FinishRun(db, runID, endedAt, succeeded, failed, skipped, runErr); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not finalize history run: %v\n", err)
	}
}

func runProgressDisplay(done chan struct{}, isTTY bool, interval time.Duration, start time.Time, succeeded, failed, skippedMissing, pending *int64, lastPrediction *atomic.Value) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	var spinnerIdx int
	lastNonTTY := time.Now()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s := atomic.LoadInt64(succeeded)
			f := atomic.LoadInt64(failed)
			sk := atomic.LoadInt64(skippedMissing)
			p := atomic.LoadInt64(pending)
			elapsed := time.Since(start).Round(time.Millisecond)
			eta := ""
			if v := lastPrediction.Load(); v != nil {
				if pred, ok := v.(*predictor.Prediction); ok {
					eta = fmt.Sprintf(" | ETA(p50)=%.0fs", pred.Percentile(50))
				}
			}

			if isTTY {
				spinner := spinnerFrames[spinnerIdx%len(spinnerFrames)]
				spinnerIdx++
				fmt.Fprintf(os.Stderr, "\r\033[K%s %d ok | %d failed | %d skipped | %d pending | %s%s",
					spinner, s, f, sk, p, elapsed, eta)
			} else if interval > 0 && time.Since(lastNonTTY) >= interval {
				fmt.Fprintf(os.Stderr, "PROGRESS succeeded=%d failed=%d skipped=%d pending=%d elapsed=%s%s\n",
					s, f, sk, p, elapsed, eta)
				lastNonTTY = time.Now()
			}
		}
	}
}

// runWithLiveTUI drives sched to completion on a background goroutine
// while the foreground goroutine hosts a bubbletea browser fed by
// schedSnapCh, converted into tui.Snapshot values. Quitting the browser
// early (q, ctrl+c) does not abandon in-flight children: this still
// waits for the scheduler to finish before returning.
func runWithLiveTUI(sched *scheduler.Scheduler, schedSnapCh chan scheduler.Snapshot, source, destination, command, shell string, processes, retries int, recreate, stdin bool, startedAt time.Time) error {
	tuiSnapCh := make(chan tui.Snapshot, 1)

	go func() {
		for snap := range schedSnapCh {
			tuiSnapCh <- toTUISnapshot(snap, source, destination, command, shell, processes, retries, recreate, stdin, startedAt)
		}
		close(tuiSnapCh)
	}()

	var runErr error
	schedDone := make(chan struct{})
	go func() {
		runErr = sched.Run()
		close(schedSnapCh)
		close(schedDone)
	}()

	model := tui.NewModel(nil, 0, tuiSnapCh)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, tuiErr := p.Run()

	<-schedDone
	if runErr != nil {
		return runErr
	}
	if tuiErr != nil {
		return fmt.Errorf("TUI error: %w", tuiErr)
	}
	return nil
}

// toTUISnapshot builds the summary/items pair the TUI renders from a
// scheduler snapshot plus the run's fixed configuration (there is no
// history row yet to read it back from while live).
func toTUISnapshot(snap scheduler.Snapshot, source, destination, command, shell string, processes, retries int, recreate, stdin bool, startedAt time.Time) tui.Snapshot {
	items := make([]history.ItemSummary, len(snap.Items))
	var succeeded, failed, skipped int
	for i, it := range snap.Items {
		items[i] = history.ItemSummary{Name: it.Name, Status: it.Status, Duration: it.Duration, Attempt: it.Attempt}
		switch it.Status {
		case "succeeded":
			succeeded++
		case "failed":
			failed++
		case "skipped-done", "skipped-missing":
			skipped++
		}
	}
	summary := &history.RunSummary{
		Source:      source,
		Destination: destination,
		Command:     command,
		Shell:       shell,
		Processes:   processes,
		Retries:     retries,
		Recreate:    recreate,
		Stdin:       stdin,
		StartedAt:   startedAt,
		Succeeded:   succeeded,
		Failed:      failed,
		Skipped:     skipped,
	}
	return tui.Snapshot{Summary: summary, Items: items}
}

func isTerminal() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
