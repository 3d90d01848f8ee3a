// dispatch.go handles bus calls inside the event loop: the single-flight
// guard in front of every operation, and cancellation of the running child.
package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/o1/swupdd/internal/operation"
)

type callKind int

const (
	callSubmit callKind = iota
	callCancel
	callStatus
)

type call struct {
	kind  callKind
	req   operation.Request
	force bool
	reply chan callResult
}

type callResult struct {
	err    error
	status Status
}

func (d *Daemon) handleCall(c call) {
	var res callResult
	switch c.kind {
	case callSubmit:
		res.err = d.submit(c.req)
	case callCancel:
		res.err = d.cancel(c.force)
	case callStatus:
		res.status = Status{Kind: d.state.kind, Phase: d.phase}
		if d.state.child != nil {
			res.status.Pid = d.state.child.Pid()
		}
	}
	c.reply <- res
}

// submit starts req if nothing is running. The state is updated before the
// caller is answered, so an accepted call is always visible to the next one.
func (d *Daemon) submit(req operation.Request) error {
	method := req.Kind.Method()

	if d.stopping {
		return ErrStopping
	}
	if d.state.active() {
		d.logger.Warn("busy with ongoing request",
			slog.String("method", method),
			slog.String("running", d.state.kind.String()),
		)
		return ErrBusy
	}

	argv, err := operation.BuildArgs(d.program, req)
	if err != nil {
		d.logger.Error("can't read options",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return err
	}

	child, err := d.spawner.Start(argv)
	if err != nil {
		d.logger.Error("got error when running client",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	pid := child.Pid()
	d.state = state{child: child, kind: req.Kind}
	d.readers[pid] = child.Output()

	go d.relay(pid, child.Output())
	go d.reap(child)

	d.logger.Info("started client",
		slog.String("method", method),
		slog.Int("pid", pid),
		slog.Any("argv", argv),
	)
	d.onStatus(fmt.Sprintf("Running %s (pid %d)", method, pid))
	return nil
}

// cancel signals the running child. Completion still arrives through the
// reaper.
func (d *Daemon) cancel(force bool) error {
	if !d.state.active() {
		d.logger.Warn("no child process to cancel")
		return ErrNothingToCancel
	}

	sig := syscall.SIGINT
	if force {
		sig = syscall.SIGKILL
	}

	pid := d.state.child.Pid()
	err := d.state.child.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		// Reaped; the completion is on its way to the loop.
		d.logger.Info("child already exited, nothing to cancel", slog.Int("pid", pid))
		return ErrNothingToCancel
	}
	if err != nil {
		d.logger.Error("failed to signal child",
			slog.Int("pid", pid),
			slog.String("signal", sig.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	d.logger.Info("signalled child",
		slog.Int("pid", pid),
		slog.String("signal", sig.String()),
		slog.String("method", d.state.kind.Method()),
	)
	return nil
}
