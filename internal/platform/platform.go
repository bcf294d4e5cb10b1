// Package platform wraps the low-level process primitives the scheduler
// needs: spawning a child with specific stdio, and reaping children as
// they exit without blocking on any one of them in particular.
//
// Spawn uses os.StartProcess rather than os/exec so that no background
// goroutine is racing to reap the child: WaitAny owns reaping exclusively,
// polling with WNOHANG the same way the original implementation polls
// with waitpid in a loop.
package platform

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// SpawnConfig describes a child process to start.
type SpawnConfig struct {
	Path string
	Argv []string
	Env  []string // nil => inherit os.Environ()

	// Stdin, Stdout, Stderr are dup'd onto the child's fds 0, 1, 2. A nil
	// Stdin closes the child's stdin; Stdout/Stderr must not be nil.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Spawn starts cfg.Path as a child process and returns immediately with
// its pid. The caller is responsible for eventually observing its exit
// via WaitAny.
func Spawn(cfg SpawnConfig) (pid int, err error) {
	if cfg.Stdout == nil || cfg.Stderr == nil {
		return 0, fmt.Errorf("platform: spawn %s: stdout and stderr are required", cfg.Path)
	}

	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}

	// os.StartProcess closes the child's fd for a nil Files entry, so a
	// nil Stdin leaves the child with fd 0 closed.
	attr := &os.ProcAttr{
		Env:   env,
		Files: []*os.File{cfg.Stdin, cfg.Stdout, cfg.Stderr},
	}

	argv := make([]string, 0, len(cfg.Argv)+1)
	if len(cfg.Argv) > 0 {
		argv = cfg.Argv
	} else {
		argv = []string{cfg.Path}
	}

	proc, err := os.StartProcess(cfg.Path, argv, attr)
	if err != nil {
		return 0, fmt.Errorf("platform: start %s: %w", cfg.Path, err)
	}

	// Detach proc's finalizer from Go's process bookkeeping; WaitAny reaps
	// by pid directly via wait4, not through *os.Process.
	pid = proc.Pid
	proc.Release()
	return pid, nil
}

// ExitStatus describes how a reaped child terminated, mirroring the raw
// wait(2) status the original tool inspects directly.
type ExitStatus struct {
	Pid      int
	Raw      int // the raw wait(2) status word; callers shift >>8 for exit_code
	Exited   bool
	Code     int // valid when Exited; equals Raw >> 8
	Signaled bool
	Signal   unix.Signal // valid when Signaled
}

// String renders a status as "signal:N", "exit:N" or "unknown".
func (s ExitStatus) String() string {
	switch {
	case s.Signaled:
		return fmt.Sprintf("signal:%d", s.Signal)
	case s.Exited:
		return fmt.Sprintf("exit:%d", s.Code)
	default:
		return "unknown"
	}
}

// WaitAny reaps at most one exited child, blocking up to timeout. ok is
// false if no child exited within timeout; err is non-nil only on a wait4
// failure other than "no children" (ECHILD), which is reported as
// ok=false, err=nil so callers with zero outstanding children don't treat
// it as fatal.
func WaitAny(timeout time.Duration) (status ExitStatus, ok bool, err error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 10 * time.Millisecond

	for {
		var ws unix.WaitStatus
		pid, werr := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if werr != nil {
			if werr == unix.ECHILD {
				return ExitStatus{}, false, nil
			}
			return ExitStatus{}, false, fmt.Errorf("platform: wait4: %w", werr)
		}
		if pid > 0 {
			st := ExitStatus{Pid: pid, Raw: int(ws)}
			switch {
			case ws.Exited():
				st.Exited = true
				st.Code = ws.ExitStatus()
			case ws.Signaled():
				st.Signaled = true
				st.Signal = ws.Signal()
			default:
				// Stopped/continued notifications shouldn't surface under
				// plain WNOHANG without WUNTRACED/WCONTINUED, but treat
				// them as "not yet" rather than guessing.
				continue
			}
			return st, true, nil
		}

		if time.Now().After(deadline) {
			return ExitStatus{}, false, nil
		}
		time.Sleep(pollInterval)
	}
}

// OpenExclusive creates path, failing if it already exists. Used for the
// out and err artifacts so a child never writes into a stale file.
func OpenExclusive(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
}

// Pipe is a thin re-export of os.Pipe kept here so callers depend on one
// package for every stdio primitive.
func Pipe() (r, w *os.File, err error) {
	return os.Pipe()
}

// Unlink removes path, treating "already gone" as success.
func Unlink(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("platform: unlink %q: %w", path, err)
	}
	return nil
}
