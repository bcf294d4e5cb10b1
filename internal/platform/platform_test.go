package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSpawnAndWaitAnyExitCode(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out")
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatalf("create out: %v", err)
	}
	defer out.Close()
	errf, err := os.Create(filepath.Join(dir, "err"))
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	defer errf.Close()

	pid, err := Spawn(SpawnConfig{
		Path:   "/bin/sh",
		Argv:   []string{"sh", "-c", "exit 7"},
		Stdout: out,
		Stderr: errf,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	st, ok, err := WaitAny(2 * time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !ok {
		t.Fatalf("expected a reaped child within timeout")
	}
	if st.Pid != pid {
		t.Fatalf("expected pid %d, got %d", pid, st.Pid)
	}
	if !st.Exited || st.Code != 7 {
		t.Fatalf("expected clean exit 7, got %+v", st)
	}
}

func TestSpawnCapturesStdout(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out")
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatalf("create out: %v", err)
	}
	errf, err := os.Create(filepath.Join(dir, "err"))
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	defer errf.Close()

	_, err = Spawn(SpawnConfig{
		Path:   "/bin/sh",
		Argv:   []string{"sh", "-c", "echo hello"},
		Stdout: out,
		Stderr: errf,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	out.Close()

	if _, ok, err := WaitAny(2 * time.Second); err != nil || !ok {
		t.Fatalf("wait: ok=%v err=%v", ok, err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read out: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("unexpected stdout: %q", data)
	}
}

func TestWaitAnyTimesOutWithNoChildren(t *testing.T) {
	st, ok, err := WaitAny(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if ok {
		t.Fatalf("expected no child reaped, got %+v", st)
	}
}

func TestSpawnNilStdinClosesChildStdin(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out")
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatalf("create out: %v", err)
	}
	errf, err := os.Create(filepath.Join(dir, "err"))
	if err != nil {
		t.Fatalf("create err: %v", err)
	}
	defer errf.Close()

	_, err = Spawn(SpawnConfig{
		Path:   "/bin/sh",
		Argv:   []string{"sh", "-c", "cat; echo done"},
		Stdin:  nil,
		Stdout: out,
		Stderr: errf,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	out.Close()

	if _, ok, err := WaitAny(2 * time.Second); err != nil || !ok {
		t.Fatalf("wait: ok=%v err=%v", ok, err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read out: %v", err)
	}
	if string(data) != "done\n" {
		t.Fatalf("expected cat to get no input from a closed stdin, got %q", data)
	}
}

func TestOpenExclusiveFailsOnSecondCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status")

	f1, err := OpenExclusive(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	f1.Close()

	if _, err := OpenExclusive(path); err == nil {
		t.Fatalf("expected second OpenExclusive to fail")
	}
}

func TestUnlinkMissingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	if err := Unlink(filepath.Join(dir, "nope")); err != nil {
		t.Fatalf("expected nil error for missing file, got %v", err)
	}
}
