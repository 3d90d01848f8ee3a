// loop.go is the event loop and the idle-shutdown state machine.
//
// Running: wait for a call, child output, child exit or the idle window to
// pass. Every event restarts the idle window.
//
// When the window passes with nothing running, the transport is asked to
// close atomically. If it reports queued calls the loop keeps running. If it
// cannot close atomically the loop moves to Draining: the name is released
// and calls already routed to us are still served until the bus confirms the
// release. Terminated ends Run.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"
)

// Run processes events until the daemon terminates. It returns nil after a
// clean shutdown, whether idle or requested through ctx, and an error wrapping
// ErrInternalInconsistency or ErrTransportFailure otherwise.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.finish()

	d.logger.Info("processing events",
		slog.Duration("idle_timeout", d.idle),
		slog.String("program", d.program),
	)

	timer := time.NewTimer(d.idle)
	defer timer.Stop()

	recheck := time.NewTimer(lingerPoll)
	defer recheck.Stop()

	ctxDone := ctx.Done()

	for d.phase != Terminated {
		var idle <-chan time.Time
		if d.phase == Running && !d.stopping {
			timer.Reset(d.idle)
			idle = timer.C
		}
		var lingering <-chan time.Time
		if d.linger {
			recheck.Reset(lingerPoll)
			lingering = recheck.C
		}

		select {
		case <-ctxDone:
			ctxDone = nil
			d.beginStop()

		case <-d.transport.Lost():
			return fmt.Errorf("%w: connection lost", ErrTransportFailure)

		case c := <-d.calls:
			d.handleCall(c)

		case ev := <-d.outputs:
			d.handleOutput(ev)

		case ev := <-d.exits:
			if err := d.handleExit(ev); err != nil {
				d.logger.Error("fatal", slog.String("error", err.Error()))
				return err
			}

		case <-d.released:
			d.logger.Info("service name released")
			d.released = nil
			d.wantExit = true
			if !d.stopping {
				d.lingerTo = time.Now().Add(d.grace)
			}

		case <-lingering:

		case <-idle:
			if err := d.onIdle(); err != nil {
				d.logger.Error("idle shutdown failed", slog.String("error", err.Error()))
				return err
			}
		}

		d.settle()
	}

	d.logger.Info("event loop finished")
	return nil
}

// lingerPoll is how often an exit held back by unanswered calls is re-checked.
const lingerPoll = 10 * time.Millisecond

// settle ends the loop once an exit is pending and no work is owed: no child
// is running, no call is waiting on the loop, the transport has no call in
// flight and the grace period after the name release has passed.
//
// The bus delivers method calls and the release confirmation on different
// goroutines, so a call routed to us before the release may still be on its
// way to the loop when the confirmation arrives.
func (d *Daemon) settle() {
	d.linger = false
	if !d.wantExit {
		return
	}
	for !d.state.active() {
		select {
		case c := <-d.calls:
			d.handleCall(c)
			continue
		default:
		}
		if d.transport.Pending() > 0 || time.Now().Before(d.lingerTo) {
			d.linger = true
			return
		}
		d.phase = Terminated
		return
	}
}

// onIdle is called when the idle window passes.
func (d *Daemon) onIdle() error {
	if d.state.active() {
		return nil
	}

	err := d.transport.TryClose()
	switch {
	case err == nil:
		d.logger.Info("idle timeout, bus closed")
		d.onStop()
		d.phase = Terminated
		return nil

	case errors.Is(err, ErrCloseBusy):
		d.logger.Debug("idle timeout, calls queued; staying up")
		return nil

	case errors.Is(err, ErrCloseUnsupported):
		return d.beginDrain()

	default:
		return fmt.Errorf("%w: close bus: %w", ErrTransportFailure, err)
	}
}

// beginDrain releases the service name and waits for the bus to confirm it.
// Interest in the confirmation is registered first so it cannot be missed.
func (d *Daemon) beginDrain() error {
	d.logger.Info("idle timeout, releasing service name")
	d.onStop()
	d.onStatus("Releasing service name")

	released, err := d.transport.WatchRelease()
	if err != nil {
		return fmt.Errorf("%w: add signal listener: %w", ErrTransportFailure, err)
	}
	if err := d.transport.ReleaseName(); err != nil {
		return fmt.Errorf("%w: release service name: %w", ErrTransportFailure, err)
	}

	d.released = released
	d.phase = Draining
	return nil
}

// beginStop handles an external stop request. A running child is asked to
// stop and the loop waits for its completion to be reported.
func (d *Daemon) beginStop() {
	d.stopping = true
	d.wantExit = true
	// Late calls would only be refused now.
	d.lingerTo = time.Time{}
	if !d.state.active() {
		d.logger.Info("stop requested")
		return
	}

	d.logger.Info("stop requested, interrupting running client",
		slog.String("method", d.state.kind.Method()),
		slog.Int("pid", d.state.child.Pid()),
	)
	if err := d.state.child.Signal(syscall.SIGINT); err != nil {
		d.logger.Warn("failed to interrupt child", slog.String("error", err.Error()))
	}
}

// finish releases the loop's resources. Output readers still open are closed,
// which also ends their goroutines.
func (d *Daemon) finish() {
	d.phase = Terminated
	close(d.done)
	for pid := range d.readers {
		d.retireReader(pid)
	}
}
