// reaper.go turns a child's termination into a completion event and frees
// the single-flight slot.
package daemon

import (
	"fmt"
	"log/slog"
)

type exitEvent struct {
	pid    int
	status int
	err    error
}

// reap waits for child in its own goroutine and notifies the loop.
func (d *Daemon) reap(child Child) {
	status, err := child.Wait()
	select {
	case d.exits <- exitEvent{pid: child.Pid(), status: status, err: err}:
	case <-d.done:
	}
}

// handleExit runs in the loop. The slot is cleared before the completion
// event goes out, so a caller reacting to the event can submit immediately.
func (d *Daemon) handleExit(ev exitEvent) error {
	if !d.state.active() || d.state.child.Pid() != ev.pid {
		recorded := 0
		if d.state.active() {
			recorded = d.state.child.Pid()
		}
		return fmt.Errorf("%w: reaped pid %d, recorded pid %d", ErrInternalInconsistency, ev.pid, recorded)
	}
	if ev.err != nil {
		return fmt.Errorf("%w: %w", ErrInternalInconsistency, ev.err)
	}

	kind := d.state.kind
	d.state = state{}

	method := kind.Method()
	d.logger.Info("request completed",
		slog.String("method", method),
		slog.Int("pid", ev.pid),
		slog.Int("status", ev.status),
	)

	d.emit("requestCompleted", func(s Sink) error {
		return s.RequestCompleted(method, ev.status)
	})
	d.onStatus(fmt.Sprintf("Idle, last %s exited with %d", method, ev.status))
	return nil
}
