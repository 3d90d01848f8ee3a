// executor_test.go tests child startup, output capture, status classification
// and descriptor hygiene on start failure.
package executor

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestStart_CapturesCombinedOutput(t *testing.T) {
	r := New()
	p, err := r.Start([]string{"/bin/sh", "-c", "echo out; echo err >&2; exit 3"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if p.Pid() <= 0 {
		t.Fatalf("expected positive pid, got %d", p.Pid())
	}

	out, err := io.ReadAll(p.Output())
	if err != nil {
		t.Fatalf("reading output failed: %v", err)
	}
	p.Output().Close()

	if !strings.Contains(string(out), "out") || !strings.Contains(string(out), "err") {
		t.Errorf("expected stdout and stderr in output, got %q", out)
	}

	status, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if status != 3 {
		t.Errorf("status = %d, want 3", status)
	}
}

func TestStart_SignalledChild(t *testing.T) {
	r := New()
	p, err := r.Start([]string{"/bin/sh", "-c", "exec sleep 30"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Output().Close()

	if err := p.Signal(syscall.SIGKILL); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}

	done := make(chan int, 1)
	go func() {
		status, _ := p.Wait()
		done <- status
	}()

	select {
	case status := <-done:
		if status != 137 {
			t.Errorf("status = %d, want 137", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("child was not reaped after SIGKILL")
	}
}

func TestStart_MissingProgramLeaksNothing(t *testing.T) {
	before := openFDs(t)

	r := New()
	_, err := r.Start([]string{"/nonexistent/swupd-client", "update"})
	if err == nil {
		t.Fatal("expected error for missing program")
	}

	if after := openFDs(t); after != before {
		t.Errorf("open descriptors changed from %d to %d", before, after)
	}
}

func TestStart_EmptyVector(t *testing.T) {
	if _, err := New().Start(nil); err == nil {
		t.Fatal("expected error for empty argument vector")
	}
}

func TestWaitStatus(t *testing.T) {
	tests := []struct {
		name string
		ws   syscall.WaitStatus
		want int
	}{
		{"exit 0", syscall.WaitStatus(0), 0},
		{"exit 3", syscall.WaitStatus(3 << 8), 3},
		{"exit 255", syscall.WaitStatus(255 << 8), 255},
		{"killed by SIGKILL", syscall.WaitStatus(syscall.SIGKILL), 137},
		{"interrupted by SIGINT", syscall.WaitStatus(syscall.SIGINT), 130},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WaitStatus(tt.ws); got != tt.want {
				t.Errorf("WaitStatus(%#x) = %d, want %d", uint32(tt.ws), got, tt.want)
			}
		})
	}
}

func TestSignal_AfterReapDoesNotReachPid(t *testing.T) {
	p, err := New().Start([]string{"/bin/sh", "-c", "exit 0"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Output().Close()

	if _, err := p.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	err = p.Signal(syscall.SIGKILL)
	if !errors.Is(err, os.ErrProcessDone) {
		t.Fatalf("Signal after reap = %v, want os.ErrProcessDone", err)
	}
}

func TestRunner_Resolve(t *testing.T) {
	r := New()

	path1, err := r.Resolve("sh")
	if err != nil {
		t.Fatalf("expected sh to be found, got error: %v", err)
	}
	path2, err := r.Resolve("sh")
	if err != nil {
		t.Fatalf("second lookup failed: %v", err)
	}
	if path1 != path2 {
		t.Errorf("lookups disagree: %s vs %s", path1, path2)
	}

	if _, err := r.Resolve("definitely-not-a-real-program"); err == nil {
		t.Error("expected error for unknown program")
	}
	if _, err := r.Resolve(""); err == nil {
		t.Error("expected error for empty program name")
	}
}

func writeClient(t *testing.T, dir, output string) {
	t.Helper()
	script := "#!/bin/sh\necho " + output + "\n"
	if err := os.WriteFile(filepath.Join(dir, "swupd"), []byte(script), 0755); err != nil {
		t.Fatalf("write client: %v", err)
	}
}

func runToEnd(t *testing.T, r *Runner) string {
	t.Helper()
	p, err := r.Start([]string{"swupd", "info"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	out, err := io.ReadAll(p.Output())
	p.Output().Close()
	if err != nil {
		t.Fatalf("reading output failed: %v", err)
	}
	if _, err := p.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return strings.TrimSpace(string(out))
}

func TestStart_ResolvesThroughPath(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeClient(t, first, "first")
	t.Setenv("PATH", first)

	r := New()
	if got := runToEnd(t, r); got != "first" {
		t.Fatalf("output = %q, want first", got)
	}
	if path, ok := r.programs.cached("swupd"); !ok || path != filepath.Join(first, "swupd") {
		t.Fatalf("cached path = %q, %v", path, ok)
	}

	// The client moves; the stale entry fails once and is dropped.
	if err := os.Remove(filepath.Join(first, "swupd")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	writeClient(t, second, "second")
	t.Setenv("PATH", second)

	if _, err := r.Start([]string{"swupd", "info"}); err == nil {
		t.Fatal("expected start from stale path to fail")
	}
	if _, ok := r.programs.cached("swupd"); ok {
		t.Fatal("stale path still cached after failed start")
	}
	if got := runToEnd(t, r); got != "second" {
		t.Errorf("output = %q, want second", got)
	}
}

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot list descriptors: %v", err)
	}
	return len(entries)
}
