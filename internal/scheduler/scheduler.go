// Package scheduler runs the fill/predict/collect loop that drives a
// batch to completion: it keeps up to P children in flight, reconciles
// reaped exits against the retry budget, and periodically refreshes an
// ETA forecast for the host to display.
package scheduler

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/halvorsen/each/internal/layout"
	"github.com/halvorsen/each/internal/platform"
	"github.com/halvorsen/each/internal/predictor"
	"github.com/halvorsen/each/internal/workitem"
)

// Outcome classifies how an item resolved, passed to ProgressFunc exactly
// once per item.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailedFinal
	OutcomeFailedRetrying
	OutcomeSkippedDone
	OutcomeSkippedMissing
)

// String renders the status the way it is persisted to history and
// displayed in the TUI.
func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailedFinal:
		return "failed"
	case OutcomeFailedRetrying:
		return "retrying"
	case OutcomeSkippedDone:
		return "skipped-done"
	case OutcomeSkippedMissing:
		return "skipped-missing"
	default:
		return "unknown"
	}
}

// ProgressFunc is invoked exactly once per item that reaches a terminal
// state or is skipped. duration is zero for skipped items, since no
// child ever ran for them. attempt counts prior failed attempts spent on
// this item (0 for a first try).
type ProgressFunc func(name string, outcome Outcome, exitCode int, duration time.Duration, attempt int)

// PredictionFunc is invoked whenever a new forecast is available.
type PredictionFunc func(pred *predictor.Prediction)

// ItemState is one item's status as of a Snapshot: pending (still
// queued), running, or one of the terminal Outcome strings.
type ItemState struct {
	Name     string
	Status   string
	Duration time.Duration
	Attempt  int
}

// Snapshot is a point-in-time view of every known item, published to
// Options.Snapshot after every collect pass so a live observer (the
// TUI) never touches scheduler-internal state directly.
type Snapshot struct {
	Items []ItemState
}

// Options configures one run of the scheduler.
type Options struct {
	Destination string
	Command     string
	Shell       string
	Stdin       bool
	Processes   int
	Retries     int
	Recreate    bool

	WaitTimeout     time.Duration // default 1s
	PredictInterval time.Duration // default 2s
	Verbose         bool

	OnProgress  ProgressFunc
	OnPredict   PredictionFunc
	RandSource  *rand.Rand // nil => time-seeded
	PredictSeed func() int64

	// Cancel, when closed, stops fill from spawning further items. Active
	// children are still drained by collect in the usual way: a
	// cooperative shutdown never orphans work that has already started.
	Cancel <-chan struct{}

	// Snapshot, when set, receives a Snapshot after every collect pass.
	// The scheduler never blocks on it: a full channel has its stale
	// value replaced rather than stalling the run.
	Snapshot chan<- Snapshot
}

type wipRecord struct {
	item    workitem.Item
	paths   layout.Paths
	started time.Time
	attempt int
}

// queued pairs a work item with the failure count it carries into this
// attempt, seeded from a prior run's status file at reconciliation.
type queued struct {
	item    workitem.Item
	attempt int // number of prior failed attempts already spent
}

// Scheduler owns all run state; it is single-owner and must not be used
// from more than one goroutine.
type Scheduler struct {
	opts Options

	queue  []queued
	active map[int]*wipRecord // keyed by child pid

	durations []time.Duration // ring buffer, bounded
	failures  map[string]int
	states    map[string]ItemState // terminal/skipped items, for Snapshot

	lastPredict time.Time
	rng         *rand.Rand
}

const durationHistoryLimit = 512

// New constructs a Scheduler from reconciled items. items carries every
// item that must be scheduled (layout.Reconcile has already filtered out
// skips and reported them); seedFailures maps item name to the prior
// attempt count recorded in its status file.
func New(opts Options, items []workitem.Item, seedFailures map[string]int) *Scheduler {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = time.Second
	}
	if opts.PredictInterval <= 0 {
		opts.PredictInterval = 2 * time.Second
	}
	if opts.Processes <= 0 {
		opts.Processes = 1
	}

	rng := opts.RandSource
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	q := make([]queued, len(items))
	for i, it := range items {
		q[i] = queued{item: it, attempt: seedFailures[it.Name()]}
	}
	rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })

	return &Scheduler{
		opts:     opts,
		queue:    q,
		active:   make(map[int]*wipRecord),
		failures: make(map[string]int, len(items)),
		states:   make(map[string]ItemState, len(items)),
		rng:      rng,
	}
}

// Run drives the batch to completion: fill, predict, collect, repeat
// until the queue and active map are both empty.
func (s *Scheduler) Run() error {
	for len(s.queue) > 0 || len(s.active) > 0 {
		if err := s.fill(); err != nil {
			return err
		}
		s.maybePredict()
		if err := s.collect(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) cancelled() bool {
	if s.opts.Cancel == nil {
		return false
	}
	select {
	case <-s.opts.Cancel:
		return true
	default:
		return false
	}
}

func (s *Scheduler) fill() error {
	if s.cancelled() {
		// A cooperative shutdown abandons whatever is still queued;
		// already active children are still drained by collect.
		s.queue = nil
		return nil
	}

	for len(s.active) < s.opts.Processes && len(s.queue) > 0 {
		q := s.queue[0]
		s.queue = s.queue[1:]

		if !q.item.Exists() {
			s.states[q.item.Name()] = ItemState{Name: q.item.Name(), Status: OutcomeSkippedMissing.String(), Attempt: q.attempt}
			s.emit(q.item.Name(), OutcomeSkippedMissing, 0, 0, q.attempt)
			continue
		}

		paths, err := layout.Prepare(s.opts.Destination, q.item.Name())
		if err != nil {
			return fmt.Errorf("scheduler: prepare %q: %w", q.item.Name(), err)
		}
		if err := layout.Materialize(paths, q.item); err != nil {
			return fmt.Errorf("scheduler: materialize %q: %w", q.item.Name(), err)
		}

		pid, err := s.spawn(q.item, paths)
		if err != nil {
			return fmt.Errorf("scheduler: spawn %q: %w", q.item.Name(), err)
		}

		s.failures[q.item.Name()] = q.attempt
		s.active[pid] = &wipRecord{item: q.item, paths: paths, started: time.Now(), attempt: q.attempt}

		if s.opts.Verbose {
			fmt.Fprintf(os.Stderr, "[each] SPAWN pid=%d name=%s attempt=%d\n", pid, q.item.Name(), q.attempt+1)
		}
	}
	return nil
}

func (s *Scheduler) spawn(item workitem.Item, paths layout.Paths) (int, error) {
	outFile, err := platform.OpenExclusive(paths.Out)
	if err != nil {
		return 0, fmt.Errorf("open out: %w", err)
	}
	defer outFile.Close()
	errFile, err := platform.OpenExclusive(paths.Err)
	if err != nil {
		return 0, fmt.Errorf("open err: %w", err)
	}
	defer errFile.Close()

	var stdin *os.File
	if s.opts.Stdin {
		f, err := item.OpenInputFD()
		if err != nil {
			return 0, fmt.Errorf("open input fd: %w", err)
		}
		defer f.Close()
		stdin = f
	}

	argv := []string{filepath.Base(s.opts.Shell), "-c", expandCommand(s.opts.Command, item, s.opts.Stdin)}

	pid, err := platform.Spawn(platform.SpawnConfig{
		Path:   s.opts.Shell,
		Argv:   argv,
		Stdin:  stdin,
		Stdout: outFile,
		Stderr: errFile,
	})
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// expandCommand replaces every literal "{}" in command with a
// shell-quoted form of the item's argument when stdin mode is off. In
// stdin mode the command is left verbatim.
func expandCommand(command string, item workitem.Item, stdin bool) string {
	if stdin {
		return command
	}
	return strings.ReplaceAll(command, "{}", shellQuote(item.AsArgument()))
}

// shellQuote wraps s in single quotes, escaping any embedded single
// quote the POSIX-shell way: close the quote, emit an escaped quote,
// reopen the quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (s *Scheduler) maybePredict() {
	if s.opts.OnPredict == nil || len(s.active) == 0 {
		return
	}
	if !s.lastPredict.IsZero() && time.Since(s.lastPredict) < s.opts.PredictInterval {
		return
	}

	now := time.Now()
	ages := make([]time.Duration, 0, len(s.active))
	for _, wip := range s.active {
		ages = append(ages, now.Sub(wip.started))
	}

	seed := s.rng.Int63()
	if s.opts.PredictSeed != nil {
		seed = s.opts.PredictSeed()
	}

	remaining := len(s.queue)
	pred := predictor.Predict(s.durations, ages, remaining, seed)
	s.opts.OnPredict(pred)
	s.lastPredict = now
}

func (s *Scheduler) collect() error {
	timeout := s.opts.WaitTimeout
	first := true

	for {
		st, ok, err := platform.WaitAny(timeout)
		if err != nil {
			return fmt.Errorf("scheduler: wait: %w", err)
		}
		if !ok {
			s.publishSnapshot()
			return nil
		}

		wip, known := s.active[st.Pid]
		if !known {
			// Not one of ours (shouldn't happen under single-owner
			// scheduling, but ignore rather than crash).
			continue
		}
		delete(s.active, st.Pid)
		duration := time.Since(wip.started)
		s.recordDuration(duration)

		// The original writes raw_status >> 8 unconditionally, even for a
		// signal death, rather than encoding a distinct sentinel.
		rawExit := st.Raw >> 8

		if err := layout.WriteStatus(wip.paths, rawExit); err != nil {
			return fmt.Errorf("scheduler: write status %q: %w", wip.item.Name(), err)
		}

		if s.opts.Verbose {
			fmt.Fprintf(os.Stderr, "[each] REAP pid=%d name=%s exit=%d took=%s\n", st.Pid, wip.item.Name(), rawExit, duration)
		}

		if rawExit != 0 {
			name := wip.item.Name()
			if s.failures[name] < s.opts.Retries {
				// Not a terminal state: FailedRetrying loops back to
				// Pending, so no progress tick fires here.
				s.failures[name]++
				s.queue = append(s.queue, queued{item: wip.item, attempt: s.failures[name]})
			} else {
				s.states[name] = ItemState{Name: name, Status: OutcomeFailedFinal.String(), Duration: duration, Attempt: wip.attempt}
				s.emit(name, OutcomeFailedFinal, rawExit, duration, wip.attempt)
			}
		} else {
			name := wip.item.Name()
			s.states[name] = ItemState{Name: name, Status: OutcomeSucceeded.String(), Duration: duration, Attempt: wip.attempt}
			s.emit(name, OutcomeSucceeded, 0, duration, wip.attempt)
		}

		if first {
			timeout = time.Duration(float64(s.opts.WaitTimeout) * 0.05)
			first = false
		}
	}
}

func (s *Scheduler) recordDuration(d time.Duration) {
	s.durations = append(s.durations, d)
	if len(s.durations) > durationHistoryLimit {
		s.durations = s.durations[len(s.durations)-durationHistoryLimit:]
	}
}

func (s *Scheduler) emit(name string, outcome Outcome, exitCode int, duration time.Duration, attempt int) {
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(name, outcome, exitCode, duration, attempt)
	}
}

// snapshot builds a point-in-time view of every item the scheduler knows
// about: running (from active), pending (still in queue), and terminal
// or skipped (from states).
func (s *Scheduler) snapshot() Snapshot {
	items := make([]ItemState, 0, len(s.states)+len(s.active)+len(s.queue))
	now := time.Now()
	for _, wip := range s.active {
		items = append(items, ItemState{
			Name:     wip.item.Name(),
			Status:   "running",
			Duration: now.Sub(wip.started),
			Attempt:  wip.attempt,
		})
	}
	for _, q := range s.queue {
		items = append(items, ItemState{Name: q.item.Name(), Status: "pending", Attempt: q.attempt})
	}
	for _, st := range s.states {
		items = append(items, st)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return Snapshot{Items: items}
}

// publishSnapshot sends the current state to Options.Snapshot without
// blocking: a slow consumer sees the latest pass, never a backlog.
func (s *Scheduler) publishSnapshot() {
	if s.opts.Snapshot == nil {
		return
	}
	snap := s.snapshot()
	select {
	case s.opts.Snapshot <- snap:
		return
	default:
	}
	select {
	case <-s.opts.Snapshot:
	default:
	}
	select {
	case s.opts.Snapshot <- snap:
	default:
	}
}
