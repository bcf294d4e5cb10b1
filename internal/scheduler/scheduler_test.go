package scheduler

import (
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/halvorsen/each/internal/enumerate"
	"github.com/halvorsen/each/internal/layout"
	"github.com/halvorsen/each/internal/workitem"
)

type progressRecord struct {
	name    string
	outcome Outcome
	code    int
	dur     time.Duration
	attempt int
}

func defaultShell(t *testing.T) string {
	t.Helper()
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}

// runOnSource enumerates source, reconciles each item against dest, and
// drives the scheduler to completion, returning every progress record.
func runOnSource(t *testing.T, opts Options, source string) []progressRecord {
	t.Helper()
	items, err := enumerate.FromPath(source)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}

	seeds := make(map[string]int)
	var toSchedule []workitem.Item
	for _, it := range items {
		d, failed := layout.Reconcile(opts.Destination, it.Name(), opts.Recreate, opts.Retries)
		if d == layout.Skip {
			continue
		}
		seeds[it.Name()] = failed
		toSchedule = append(toSchedule, it)
	}

	var mu sync.Mutex
	var records []progressRecord
	userProgress := opts.OnProgress
	opts.OnProgress = func(name string, outcome Outcome, exitCode int, dur time.Duration, attempt int) {
		mu.Lock()
		records = append(records, progressRecord{name, outcome, exitCode, dur, attempt})
		mu.Unlock()
		if userProgress != nil {
			userProgress(name, outcome, exitCode, dur, attempt)
		}
	}
	if opts.RandSource == nil {
		opts.RandSource = rand.New(rand.NewSource(1))
	}

	sched := New(opts, toSchedule, seeds)
	if err := sched.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	return records
}

func TestSchedulerTenFileCat(t *testing.T) {
	src := t.TempDir()
	for i := 0; i < 10; i++ {
		name := strconv.Itoa(i) + ".txt"
		if err := os.WriteFile(filepath.Join(src, name), []byte("hello "+strconv.Itoa(i)), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	dest := t.TempDir()

	opts := Options{
		Destination: dest,
		Command:     "cat",
		Shell:       defaultShell(t),
		Stdin:       true,
		Processes:   4,
		WaitTimeout: 200 * time.Millisecond,
	}

	records := runOnSource(t, opts, src)
	if len(records) != 10 {
		t.Fatalf("expected 10 progress records, got %d", len(records))
	}

	for i := 0; i < 10; i++ {
		name := strconv.Itoa(i) + ".txt"
		p := layout.For(dest, name)
		out, err := os.ReadFile(p.Out)
		if err != nil {
			t.Fatalf("read out %s: %v", name, err)
		}
		want := "hello " + strconv.Itoa(i)
		if string(out) != want {
			t.Fatalf("item %s: expected out %q, got %q", name, want, out)
		}
		errContent, err := os.ReadFile(p.Err)
		if err != nil {
			t.Fatalf("read err %s: %v", name, err)
		}
		if len(errContent) != 0 {
			t.Fatalf("item %s: expected empty err, got %q", name, errContent)
		}
		code, ok := layout.StatusExitCode(p)
		if !ok || code != 0 {
			t.Fatalf("item %s: expected status 0, got (%d,%v)", name, code, ok)
		}
		resolved, err := os.Readlink(p.In)
		if err != nil {
			t.Fatalf("readlink %s: %v", name, err)
		}
		if resolved != filepath.Join(src, name) {
			t.Fatalf("item %s: expected symlink to source, got %s", name, resolved)
		}
	}
}

func TestSchedulerStderrRedirection(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dest := t.TempDir()

	opts := Options{
		Destination: dest,
		Command:     "cat >&2",
		Shell:       defaultShell(t),
		Stdin:       true,
		Processes:   1,
		WaitTimeout: 200 * time.Millisecond,
	}
	runOnSource(t, opts, src)

	p := layout.For(dest, "a.txt")
	out, _ := os.ReadFile(p.Out)
	errContent, _ := os.ReadFile(p.Err)
	if len(out) != 0 {
		t.Fatalf("expected empty out, got %q", out)
	}
	if string(errContent) != "hello a" {
		t.Fatalf("expected err to carry stdout-redirected content, got %q", errContent)
	}
}

func TestSchedulerLineSubstitution(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "lines.txt")
	content := "hello 0\nhello 1\nhello 2\nhello 3\nhello 4\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dest := t.TempDir()

	opts := Options{
		Destination: dest,
		Command:     "echo {}",
		Shell:       defaultShell(t),
		Stdin:       false,
		Processes:   2,
		WaitTimeout: 200 * time.Millisecond,
	}
	records := runOnSource(t, opts, path)
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 item directories, got %d", len(entries))
	}
	for _, e := range entries {
		p := layout.For(dest, e.Name())
		out, err := os.ReadFile(p.Out)
		if err != nil {
			t.Fatalf("read out: %v", err)
		}
		in, err := os.ReadFile(p.In)
		if err != nil {
			t.Fatalf("read in: %v", err)
		}
		trimmed := strings.TrimRight(string(in), "\r\n")
		if string(out) != trimmed {
			t.Fatalf("expected echoed argument to match trimmed in-content, got out=%q in=%q", out, in)
		}
	}
}

func TestSchedulerDuplicateLineDeduplication(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "lines.txt")
	if err := os.WriteFile(path, []byte("hello\nhello\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dest := t.TempDir()

	opts := Options{
		Destination: dest,
		Command:     "cat",
		Shell:       defaultShell(t),
		Stdin:       true,
		Processes:   2,
		WaitTimeout: 200 * time.Millisecond,
	}
	records := runOnSource(t, opts, path)
	if len(records) != 1 {
		t.Fatalf("expected exactly one execution, got %d", len(records))
	}
}

func TestSchedulerRetryUntilSuccess(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dest := t.TempDir()

	opts := Options{
		Destination: dest,
		Command:     "false",
		Shell:       defaultShell(t),
		Stdin:       true,
		Processes:   1,
		Retries:     1,
		WaitTimeout: 200 * time.Millisecond,
	}
	runOnSource(t, opts, src)

	p := layout.For(dest, "a.txt")
	code, ok := layout.StatusExitCode(p)
	if !ok || code != 1 {
		t.Fatalf("expected first run to record exit 1, got (%d,%v)", code, ok)
	}

	opts2 := opts
	opts2.Command = "true"
	runOnSource(t, opts2, src)
	code2, ok2 := layout.StatusExitCode(p)
	if !ok2 || code2 != 0 {
		t.Fatalf("expected retry run to record exit 0, got (%d,%v)", code2, ok2)
	}
}

func TestSchedulerInProcessRetryBudget(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dest := t.TempDir()
	counter := filepath.Join(dest, "counter")
	if err := os.WriteFile(counter, []byte("0"), 0o644); err != nil {
		t.Fatalf("write counter: %v", err)
	}

	opts := Options{
		Destination: dest,
		Command:     "n=$(cat " + counter + "); n=$((n+1)); echo $n > " + counter + "; exit 1",
		Shell:       defaultShell(t),
		Stdin:       true,
		Processes:   1,
		Retries:     2,
		WaitTimeout: 200 * time.Millisecond,
	}
	runOnSource(t, opts, src)

	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if strings.TrimSpace(string(data)) != "3" {
		t.Fatalf("expected counter to reach 3 (initial + 2 retries), got %q", data)
	}

	p := layout.For(dest, "a.txt")
	code, ok := layout.StatusExitCode(p)
	if !ok || code != 1 {
		t.Fatalf("expected final status 1, got (%d,%v)", code, ok)
	}
}

func TestSchedulerDisappearingSource(t *testing.T) {
	src := t.TempDir()
	keep := filepath.Join(src, "keep.txt")
	gone := filepath.Join(src, "gone.txt")
	if err := os.WriteFile(keep, []byte("k"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(gone, []byte("g"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dest := t.TempDir()

	items, err := enumerate.FromPath(src)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if err := os.Remove(gone); err != nil {
		t.Fatalf("remove: %v", err)
	}

	var mu sync.Mutex
	var records []progressRecord
	opts := Options{
		Destination: dest,
		Command:     "cat",
		Shell:       defaultShell(t),
		Stdin:       true,
		Processes:   2,
		WaitTimeout: 200 * time.Millisecond,
		RandSource:  rand.New(rand.NewSource(1)),
		OnProgress: func(name string, outcome Outcome, exitCode int, dur time.Duration, attempt int) {
			mu.Lock()
			defer mu.Unlock()
			records = append(records, progressRecord{name, outcome, exitCode, dur, attempt})
		},
	}

	sched := New(opts, items, map[string]int{})
	if err := sched.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("expected progress fired twice, got %d", len(records))
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one item directory, got %d", len(entries))
	}
}

func TestSchedulerShellSelection(t *testing.T) {
	for _, shell := range []string{"/bin/sh", "/bin/bash"} {
		if _, err := os.Stat(shell); err != nil {
			continue
		}
		shell := shell
		t.Run(shell, func(t *testing.T) {
			src := t.TempDir()
			if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("x"), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			dest := t.TempDir()

			opts := Options{
				Destination: dest,
				Command:     "echo $0",
				Shell:       shell,
				Stdin:       true,
				Processes:   1,
				WaitTimeout: 200 * time.Millisecond,
			}
			runOnSource(t, opts, src)

			p := layout.For(dest, "a.txt")
			out, err := os.ReadFile(p.Out)
			if err != nil {
				t.Fatalf("read out: %v", err)
			}
			wantBase := filepath.Base(shell)
			if strings.TrimSpace(string(out)) != wantBase {
				t.Fatalf("expected $0 basename %q, got %q", wantBase, out)
			}
		})
	}
}

func TestSchedulerPBoundedActiveCount(t *testing.T) {
	src := t.TempDir()
	for i := 0; i < 6; i++ {
		if err := os.WriteFile(filepath.Join(src, strconv.Itoa(i)+".txt"), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	dest := t.TempDir()

	opts := Options{
		Destination: dest,
		Command:     "sleep 0.05",
		Shell:       defaultShell(t),
		Stdin:       true,
		Processes:   2,
		WaitTimeout: 50 * time.Millisecond,
	}
	start := time.Now()
	records := runOnSource(t, opts, src)
	if len(records) != 6 {
		t.Fatalf("expected 6 records, got %d", len(records))
	}
	// Six 50ms children with at most two at a time need three rounds.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("expected at least 150ms with P=2, took %s", elapsed)
	}
}
