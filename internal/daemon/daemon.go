// Package daemon runs at most one external client operation at a time on
// behalf of bus callers.
//
// All state lives in a Daemon and is touched only by the goroutine running
// Run. Bus method handlers, the child's output reader and the child's reaper
// all hand their work to that goroutine over channels, so the single-flight
// check and the state update that follows it happen without locks and without
// interleaving.
//
// Usage:
//
//	d := daemon.New(daemon.Options{Transport: bus, Spawner: daemon.ExecSpawner(executor.New())})
//	bus.Export(d)
//	err := d.Run(ctx)
package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/o1/swupdd/internal/operation"
)

// DefaultIdleTimeout is the idle window after which the daemon tries to exit.
const DefaultIdleTimeout = 30 * time.Second

// DefaultProgram is the external client started for every operation.
const DefaultProgram = "swupd"

// DefaultDrainGrace is how long the loop keeps serving after the bus confirms
// the name release, for calls the bus delivered before the confirmation.
const DefaultDrainGrace = 250 * time.Millisecond

// Sink receives the daemon's outbound events.
type Sink interface {
	// OutputProduced carries one chunk of the running child's combined
	// output. Chunks are not line aligned.
	OutputProduced(chunk string) error
	// RequestCompleted carries the finished operation's method name and its
	// classified status.
	RequestCompleted(method string, status int) error
}

// Transport is the bus the daemon is published on.
type Transport interface {
	Sink

	// TryClose stops accepting calls and detaches from the bus in one step.
	// It returns ErrCloseBusy if calls were queued meanwhile and
	// ErrCloseUnsupported if the bus cannot do this atomically.
	TryClose() error

	// WatchRelease registers interest in the bus announcing that this
	// connection no longer owns the service name. The returned channel is
	// closed when that announcement is observed.
	WatchRelease() (<-chan struct{}, error)

	// ReleaseName gives up the well-known service name so no new calls are
	// routed to this connection.
	ReleaseName() error

	// Lost is closed if the bus connection fails.
	Lost() <-chan struct{}

	// Pending is the number of calls the transport has received and not yet
	// answered. The loop does not terminate while it is non-zero.
	Pending() int
}

// Child is a running external client process.
type Child interface {
	Pid() int
	// Output is the read end of the child's combined output pipe.
	Output() io.ReadCloser
	// Signal returns os.ErrProcessDone once the child has been reaped.
	Signal(sig syscall.Signal) error
	// Wait blocks until the child terminates, reaps it and returns its
	// classified status.
	Wait() (int, error)
}

// Spawner starts a child for an argument vector.
type Spawner interface {
	Start(argv []string) (Child, error)
}

// Options configures a Daemon.
type Options struct {
	// Program is argv[0] of every child. Default: DefaultProgram.
	Program string

	// IdleTimeout is the idle window. Default: DefaultIdleTimeout.
	IdleTimeout time.Duration

	Transport Transport
	Spawner   Spawner

	// Mirrors receive a copy of every event sent on the transport.
	Mirrors []Sink

	// Echo receives the child's raw output. Default: os.Stdout.
	Echo io.Writer

	// DrainGrace is how long to keep serving after the name release is
	// confirmed. Default: DefaultDrainGrace.
	DrainGrace time.Duration

	// NotifyStopping is called once when the daemon starts giving up its
	// bus identity.
	NotifyStopping func()

	// NotifyStatus receives a short description whenever an operation starts
	// or finishes and when the daemon starts draining.
	NotifyStatus func(status string)

	Logger *slog.Logger
}

// Phase is the event loop's shutdown state.
type Phase int

const (
	Running Phase = iota
	Draining
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// state is the single-flight slot. child != nil iff kind != operation.None.
type state struct {
	child Child
	kind  operation.Kind
}

func (s *state) active() bool {
	return s.child != nil
}

// Status is a point-in-time view of the daemon, read through the event loop.
type Status struct {
	Kind  operation.Kind
	Pid   int
	Phase Phase
}

// Daemon is the single-flight dispatcher and its event loop.
type Daemon struct {
	program   string
	idle      time.Duration
	transport Transport
	spawner   Spawner
	mirrors   []Sink
	echo      io.Writer
	grace     time.Duration
	onStop    func()
	onStatus  func(string)
	logger    *slog.Logger

	// Owned by the Run goroutine.
	state    state
	phase    Phase
	stopping bool
	wantExit bool
	released <-chan struct{}
	lingerTo time.Time
	linger   bool
	readers  map[int]io.Closer

	calls   chan call
	outputs chan outputEvent
	exits   chan exitEvent
	done    chan struct{}
}

// New creates a Daemon. Run must be called to start processing.
func New(opts Options) *Daemon {
	if opts.Program == "" {
		opts.Program = DefaultProgram
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Echo == nil {
		opts.Echo = os.Stdout
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = DefaultDrainGrace
	}
	if opts.NotifyStopping == nil {
		opts.NotifyStopping = func() {}
	}
	if opts.NotifyStatus == nil {
		opts.NotifyStatus = func(string) {}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Daemon{
		program:   opts.Program,
		idle:      opts.IdleTimeout,
		transport: opts.Transport,
		spawner:   opts.Spawner,
		mirrors:   opts.Mirrors,
		echo:      opts.Echo,
		grace:     opts.DrainGrace,
		onStop:    opts.NotifyStopping,
		onStatus:  opts.NotifyStatus,
		logger:    opts.Logger.With(slog.String("component", "daemon")),
		readers:   make(map[int]io.Closer),
		calls:     make(chan call),
		outputs:   make(chan outputEvent),
		exits:     make(chan exitEvent),
		done:      make(chan struct{}),
	}
}

// Submit asks the daemon to start req. A nil error means the operation was
// accepted for execution; completion is reported later via RequestCompleted.
func (d *Daemon) Submit(ctx context.Context, req operation.Request) error {
	res, err := d.roundTrip(ctx, call{kind: callSubmit, req: req})
	if err != nil {
		return err
	}
	return res.err
}

// Cancel signals the running child: SIGINT, or SIGKILL when force is set. A
// nil error means the signal was sent, not that the child has stopped.
func (d *Daemon) Cancel(ctx context.Context, force bool) error {
	res, err := d.roundTrip(ctx, call{kind: callCancel, force: force})
	if err != nil {
		return err
	}
	return res.err
}

// Status returns the current operation and loop phase.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	res, err := d.roundTrip(ctx, call{kind: callStatus})
	if err != nil {
		return Status{}, err
	}
	return res.status, nil
}

// Done is closed when Run returns.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

func (d *Daemon) roundTrip(ctx context.Context, c call) (callResult, error) {
	c.reply = make(chan callResult, 1)

	select {
	case d.calls <- c:
	case <-d.done:
		return callResult{}, ErrStopped
	case <-ctx.Done():
		return callResult{}, ctx.Err()
	}

	// The loop always replies to a call it received.
	return <-c.reply, nil
}

// emit sends an event on the transport and every mirror. Failures are logged;
// a subscriber missing an event does not stop the daemon.
func (d *Daemon) emit(name string, send func(Sink) error) {
	if err := send(d.transport); err != nil {
		d.logger.Error("failed to emit signal",
			slog.String("signal", name),
			slog.String("error", err.Error()),
		)
	}
	for _, m := range d.mirrors {
		if err := send(m); err != nil {
			d.logger.Warn("failed to mirror event",
				slog.String("signal", name),
				slog.String("error", err.Error()),
			)
		}
	}
}
