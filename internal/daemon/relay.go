// relay.go republishes a child's output as it is produced.
//
// A reader goroutine per child does the blocking reads and hands each chunk
// to the event loop, which echoes it locally and emits it on the bus. The
// loop also owns closing the pipe, so end-of-stream and the child's exit can
// arrive in either order.
package daemon

import (
	"errors"
	"io"
	"log/slog"

	"github.com/o1/swupdd/internal/executor"
)

type outputEvent struct {
	pid  int
	data []byte
	// eof marks the end of the stream; err is set when it ended on a read
	// error rather than a clean close.
	eof bool
	err error
}

// relay reads r until it ends. Zero-length reads produce no event.
func (d *Daemon) relay(pid int, r io.Reader) {
	buf := make([]byte, executor.PipeBuf)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !d.postOutput(outputEvent{pid: pid, data: chunk}) {
				return
			}
		}
		if err != nil {
			ev := outputEvent{pid: pid, eof: true}
			if !errors.Is(err, io.EOF) {
				ev.err = err
			}
			d.postOutput(ev)
			return
		}
	}
}

func (d *Daemon) postOutput(ev outputEvent) bool {
	select {
	case d.outputs <- ev:
		return true
	case <-d.done:
		return false
	}
}

func (d *Daemon) handleOutput(ev outputEvent) {
	if !ev.eof {
		if _, err := d.echo.Write(ev.data); err != nil {
			d.logger.Debug("failed to echo child output", slog.String("error", err.Error()))
		}
		chunk := string(ev.data)
		d.emit("childOutputReceived", func(s Sink) error {
			return s.OutputProduced(chunk)
		})
		return
	}

	if ev.err != nil {
		d.logger.Error("failed to read pipe",
			slog.Int("pid", ev.pid),
			slog.String("error", ev.err.Error()),
		)
	}
	d.retireReader(ev.pid)
}

func (d *Daemon) retireReader(pid int) {
	r, ok := d.readers[pid]
	if !ok {
		return
	}
	delete(d.readers, pid)
	if err := r.Close(); err != nil {
		d.logger.Debug("failed to close pipe",
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)
	}
}
