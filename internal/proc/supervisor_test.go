package proc

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	res, err := Run(context.Background(), "sh", []string{"-c", "echo out; echo err >&2"}, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "out") {
		t.Errorf("Stdout = %q, want to contain %q", res.Stdout, "out")
	}
	if !strings.Contains(res.Stderr, "err") {
		t.Errorf("Stderr = %q, want to contain %q", res.Stderr, "err")
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), "sh", []string{"-c", "exit 3"}, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestRun_TotalTimeout(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), "sh", []string{"-c", "sleep 30"}, Options{
		Timeout: 300 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if res == nil {
		t.Fatal("timeout should still return a partial result")
	}
	// SIGTERM -> SIGKILL ladder must finish within 7s of expiry.
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("termination took %v, want <= ~8s", elapsed)
	}
}

func TestRun_IdleTimeout(t *testing.T) {
	_, err := Run(context.Background(), "sh", []string{"-c", "echo once; sleep 30"}, Options{
		IdleTimeout: 300 * time.Millisecond,
	})
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout, got %v", err)
	}
}

func TestRun_IdleTimeout_ResetByOutput(t *testing.T) {
	// Emits a line every 100ms for ~500ms; idle cutoff of 300ms must not fire.
	script := "for i in 1 2 3 4 5; do echo tick; sleep 0.1; done"
	res, err := Run(context.Background(), "sh", []string{"-c", script}, Options{
		IdleTimeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := strings.Count(res.Stdout, "tick"); got != 5 {
		t.Errorf("got %d ticks, want 5", got)
	}
}

func TestRun_Callbacks(t *testing.T) {
	var startPID atomic.Int64
	var endCalls atomic.Int32

	_, err := Run(context.Background(), "sh", []string{"-c", "true"}, Options{
		OnStart: func(pid int) { startPID.Store(int64(pid)) },
		OnEnd:   func(pid int) { endCalls.Add(1) },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if startPID.Load() == 0 {
		t.Error("OnStart was not invoked with a PID")
	}
	if got := endCalls.Load(); got != 1 {
		t.Errorf("OnEnd called %d times, want exactly 1", got)
	}
}

func TestRun_OnEndCalledOnTimeout(t *testing.T) {
	var endCalls atomic.Int32

	_, err := Run(context.Background(), "sh", []string{"-c", "sleep 30"}, Options{
		Timeout: 200 * time.Millisecond,
		OnEnd:   func(pid int) { endCalls.Add(1) },
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got := endCalls.Load(); got != 1 {
		t.Errorf("OnEnd called %d times on timeout path, want exactly 1", got)
	}
}

func TestRun_ContinuationMarker(t *testing.T) {
	res, err := Run(context.Background(), "sh", []string{"-c", "echo 'CONTINUATION REQUIRED'"}, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.ContinuationRequested {
		t.Error("ContinuationRequested should be true when the marker is printed")
	}

	res, err = Run(context.Background(), "sh", []string{"-c", "echo done"}, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ContinuationRequested {
		t.Error("ContinuationRequested should be false without the marker")
	}
}

func TestRun_SpawnFailure(t *testing.T) {
	_, err := Run(context.Background(), "definitely-not-a-binary-xyz", nil, Options{})
	if err == nil {
		t.Fatal("expected spawn error for missing binary")
	}
}
