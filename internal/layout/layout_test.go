package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/halvorsen/each/internal/workitem"
)

func TestReconcileAbsentStatusEnqueues(t *testing.T) {
	dest := t.TempDir()
	d, failed := Reconcile(dest, "item", false, 0)
	if d != Enqueue {
		t.Fatalf("expected Enqueue, got %v", d)
	}
	if failed != 0 {
		t.Fatalf("expected 0 prior failures, got %d", failed)
	}
}

func TestReconcileZeroStatusSkipsWithoutRecreate(t *testing.T) {
	dest := t.TempDir()
	writeStatusFile(t, dest, "item", "0")

	d, _ := Reconcile(dest, "item", false, 3)
	if d != Skip {
		t.Fatalf("expected Skip, got %v", d)
	}
}

func TestReconcileZeroStatusWithRecreateEnqueuesClean(t *testing.T) {
	dest := t.TempDir()
	writeStatusFile(t, dest, "item", "0")

	d, failed := Reconcile(dest, "item", true, 0)
	if d != EnqueueClean {
		t.Fatalf("expected EnqueueClean, got %v", d)
	}
	if failed != 0 {
		t.Fatalf("recreate of a success doesn't count as a prior failure, got %d", failed)
	}
}

func TestReconcileNonZeroStatusWithRetriesEnqueuesClean(t *testing.T) {
	dest := t.TempDir()
	writeStatusFile(t, dest, "item", "1")

	d, failed := Reconcile(dest, "item", false, 2)
	if d != EnqueueClean {
		t.Fatalf("expected EnqueueClean, got %v", d)
	}
	if failed != 1 {
		t.Fatalf("expected prior failure to be seeded, got %d", failed)
	}
}

func TestReconcileNonZeroStatusNoRetriesSkips(t *testing.T) {
	dest := t.TempDir()
	writeStatusFile(t, dest, "item", "1")

	d, failed := Reconcile(dest, "item", false, 0)
	if d != Skip {
		t.Fatalf("expected Skip, got %v", d)
	}
	if failed != 1 {
		t.Fatalf("expected 1 prior failure recorded, got %d", failed)
	}
}

func TestReconcileUnparseableStatusEnqueues(t *testing.T) {
	dest := t.TempDir()
	writeStatusFile(t, dest, "item", "not-a-number")

	d, _ := Reconcile(dest, "item", false, 0)
	if d != Enqueue {
		t.Fatalf("expected Enqueue for unparseable status, got %v", d)
	}
}

func TestPrepareCreatesFreshDirectory(t *testing.T) {
	dest := t.TempDir()
	p, err := Prepare(dest, "item")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if info, err := os.Stat(p.Dir); err != nil || !info.IsDir() {
		t.Fatalf("expected directory to exist: %v", err)
	}
}

func TestPrepareCleansStaleArtifacts(t *testing.T) {
	dest := t.TempDir()
	p := For(dest, "item")
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, f := range []string{p.In, p.Out, p.Err, p.Status} {
		if err := os.WriteFile(f, []byte("stale"), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}

	if _, err := Prepare(dest, "item"); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	for _, f := range []string{p.In, p.Out, p.Err, p.Status} {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, stat err=%v", f, err)
		}
	}
}

func TestMaterializeWritesInArtifact(t *testing.T) {
	dest := t.TempDir()
	p, err := Prepare(dest, "item")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	item := workitem.NewLineItem("item", "hello\n")
	if err := Materialize(p, item); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	data, err := os.ReadFile(p.In)
	if err != nil {
		t.Fatalf("read in: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("unexpected in content: %q", data)
	}
}

func TestWriteStatusThenStatusExitCodeRoundTrips(t *testing.T) {
	dest := t.TempDir()
	p, err := Prepare(dest, "item")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := WriteStatus(p, 42); err != nil {
		t.Fatalf("write status: %v", err)
	}
	code, ok := StatusExitCode(p)
	if !ok || code != 42 {
		t.Fatalf("expected (42, true), got (%d, %v)", code, ok)
	}
}

func TestWriteStatusFailsIfAlreadyPresent(t *testing.T) {
	dest := t.TempDir()
	p, err := Prepare(dest, "item")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := WriteStatus(p, 0); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteStatus(p, 1); err == nil {
		t.Fatalf("expected second write to fail (O_EXCL)")
	}
}

func writeStatusFile(t *testing.T, dest, name, content string) {
	t.Helper()
	dir := filepath.Join(dest, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "status"), []byte(content), 0o644); err != nil {
		t.Fatalf("write status: %v", err)
	}
}
