// Package proc supervises assistant CLI subprocesses: it drains stdout
// and stderr concurrently, enforces idle and wall-clock timeouts, and
// escalates termination from SIGTERM to SIGKILL.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ContinuationMarker is the stdout line the assistant prints when it has
// run out of context and left a handoff file behind.
const ContinuationMarker = "CONTINUATION REQUIRED"

var (
	// ErrTimeout is returned when the wall-clock ceiling expires.
	ErrTimeout = errors.New("subprocess timed out")
	// ErrIdleTimeout is returned when no output arrives for too long.
	ErrIdleTimeout = errors.New("subprocess idle timed out")
)

const (
	// termGrace is how long SIGTERM gets before SIGKILL.
	termGrace = 5 * time.Second
	// killGrace is how long SIGKILL gets before we give up reaping.
	killGrace = 2 * time.Second
	// reapGrace bounds the wait for a wedged child after normal EOF.
	reapGrace = 30 * time.Second
	// pollInterval keeps timeouts observable within about a second.
	pollInterval = 500 * time.Millisecond
)

// Options controls one supervised run.
type Options struct {
	// Dir is the working directory for the subprocess.
	Dir string
	// Timeout is the wall-clock ceiling from process start. Zero disables it.
	Timeout time.Duration
	// IdleTimeout cuts the process off after this long with no output.
	// Zero disables it. The idle timer starts at process start.
	IdleTimeout time.Duration
	// Logf receives supervisor diagnostics; nil disables them.
	Logf func(format string, args ...interface{})
	// OnStart is invoked with the child PID the instant it is spawned.
	OnStart func(pid int)
	// OnEnd is invoked exactly once when the run finishes, on every exit
	// path including timeouts.
	OnEnd func(pid int)
}

// Result is the outcome of one supervised run.
type Result struct {
	// ExitCode is the subprocess exit code; -1 if it was killed.
	ExitCode int
	// Stdout is the captured standard output.
	Stdout string
	// Stderr is the captured standard error.
	Stderr string
	// Duration is wall-clock time from start to reap.
	Duration time.Duration
	// ContinuationRequested is true if the continuation marker appeared
	// on stdout.
	ContinuationRequested bool
}

// Run spawns name with args and supervises it to completion. A timeout
// produces a partial Result alongside ErrTimeout or ErrIdleTimeout; other
// spawn failures return a nil Result.
func Run(ctx context.Context, name string, args []string, opts Options) (*Result, error) {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}

	cmd := exec.Command(name, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	start := time.Now()

	if opts.OnStart != nil {
		opts.OnStart(pid)
	}
	var endOnce sync.Once
	end := func() {
		if opts.OnEnd != nil {
			endOnce.Do(func() { opts.OnEnd(pid) })
		}
	}
	defer end()

	var (
		mu           sync.Mutex
		outBuf       strings.Builder
		errBuf       strings.Builder
		continuation atomic.Bool
		lastActivity atomic.Int64
	)
	lastActivity.Store(start.UnixNano())

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			lastActivity.Store(time.Now().UnixNano())
			if strings.Contains(line, ContinuationMarker) {
				continuation.Store(true)
			}
			mu.Lock()
			outBuf.WriteString(line)
			outBuf.WriteByte('\n')
			mu.Unlock()
		}
	}()
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		buf := make([]byte, 16*1024)
		scanner.Buffer(buf, 256*1024)
		for scanner.Scan() {
			line := scanner.Text()
			lastActivity.Store(time.Now().UnixNano())
			mu.Lock()
			errBuf.WriteString(line)
			errBuf.WriteByte('\n')
			mu.Unlock()
		}
	}()

	readersDone := make(chan struct{})
	go func() {
		readers.Wait()
		close(readersDone)
	}()

	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	result := func(code int) *Result {
		mu.Lock()
		defer mu.Unlock()
		return &Result{
			ExitCode:              code,
			Stdout:                outBuf.String(),
			Stderr:                errBuf.String(),
			Duration:              time.Since(start),
			ContinuationRequested: continuation.Load(),
		}
	}

	commandLine := name + " " + strings.Join(args, " ")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var eofAt time.Time

	for {
		select {
		case waitErr := <-waitCh:
			code := exitCode(cmd, waitErr)
			if waitErr != nil && code == 0 {
				code = -1
			}
			return result(code), nil

		case <-readersDone:
			// Streams closed but the child has not been reaped yet.
			// Bound the wait so a wedged child surfaces as a warning.
			if eofAt.IsZero() {
				eofAt = time.Now()
			}
			readersDone = nil

		case <-ctx.Done():
			logf("[proc] context cancelled, terminating pid %d", pid)
			terminate(cmd, waitCh, logf)
			return result(-1), fmt.Errorf("%w: %s", ErrTimeout, commandLine)

		case <-ticker.C:
			now := time.Now()
			if !eofAt.IsZero() && now.Sub(eofAt) > reapGrace {
				logf("[proc] warning: pid %d not reaped %v after EOF, killing", pid, reapGrace)
				terminate(cmd, waitCh, logf)
				return result(-1), fmt.Errorf("%w: %s", ErrTimeout, commandLine)
			}
			if opts.Timeout > 0 && now.Sub(start) > opts.Timeout {
				logf("[proc] total timeout %v exceeded for pid %d", opts.Timeout, pid)
				terminate(cmd, waitCh, logf)
				return result(-1), fmt.Errorf("%w after %v: %s", ErrTimeout, opts.Timeout, commandLine)
			}
			if opts.IdleTimeout > 0 {
				idle := now.Sub(time.Unix(0, lastActivity.Load()))
				if idle > opts.IdleTimeout {
					logf("[proc] idle timeout %v exceeded for pid %d", opts.IdleTimeout, pid)
					terminate(cmd, waitCh, logf)
					return result(-1), fmt.Errorf("%w after %v: %s", ErrIdleTimeout, opts.IdleTimeout, commandLine)
				}
			}
		}
	}
}

// terminate escalates SIGTERM then SIGKILL, bounding each wait so a
// kernel-stuck child cannot hang the supervisor.
func terminate(cmd *exec.Cmd, waitCh <-chan error, logf func(string, ...interface{})) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitCh:
		return
	case <-time.After(termGrace):
	}

	logf("[proc] pid %d survived SIGTERM, sending SIGKILL", pid)
	_ = cmd.Process.Kill()
	select {
	case <-waitCh:
	case <-time.After(killGrace):
		logf("[proc] warning: pid %d not reaped after SIGKILL", pid)
	}
}

// exitCode extracts the subprocess exit code from cmd.Wait's error.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}
