// fakes_test.go provides test doubles for the bus transport and the child
// process, plus helpers for running the event loop under test.
package daemon

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

const waitTimeout = 5 * time.Second

// nopLogger returns a logger that discards all output, suitable for tests.
func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type completion struct {
	method string
	status int
}

// fakeSink records events on buffered channels.
type fakeSink struct {
	outputs   chan string
	completed chan completion
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		outputs:   make(chan string, 64),
		completed: make(chan completion, 16),
	}
}

func (s *fakeSink) OutputProduced(chunk string) error {
	s.outputs <- chunk
	return nil
}

func (s *fakeSink) RequestCompleted(method string, status int) error {
	s.completed <- completion{method: method, status: status}
	return nil
}

// fakeTransport is a bus whose close behaviour is scripted per test.
type fakeTransport struct {
	*fakeSink

	mu         sync.Mutex
	closeErrs  []error // consumed by successive TryClose calls; last one repeats
	closeCalls int
	steps      []string

	release chan struct{}
	lost    chan struct{}

	// inFlight stands in for calls the bus has handed to a method handler
	// that has not answered yet.
	inFlight atomic.Int32
}

func newFakeTransport(closeErrs ...error) *fakeTransport {
	return &fakeTransport{
		fakeSink:  newFakeSink(),
		closeErrs: closeErrs,
		release:   make(chan struct{}),
		lost:      make(chan struct{}),
	}
}

func (f *fakeTransport) TryClose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.steps = append(f.steps, "try-close")
	if len(f.closeErrs) == 0 {
		return nil
	}
	err := f.closeErrs[0]
	if len(f.closeErrs) > 1 {
		f.closeErrs = f.closeErrs[1:]
	}
	return err
}

func (f *fakeTransport) WatchRelease() (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, "watch")
	return f.release, nil
}

func (f *fakeTransport) ReleaseName() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, "release")
	return nil
}

func (f *fakeTransport) Lost() <-chan struct{} {
	return f.lost
}

func (f *fakeTransport) Pending() int {
	return int(f.inFlight.Load())
}

func (f *fakeTransport) tryCloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *fakeTransport) recordedSteps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.steps...)
}

// fakeChild is a child process driven by the test.
type fakeChild struct {
	pid     int
	r       *io.PipeReader
	w       *io.PipeWriter
	exitCh  chan int
	signals chan syscall.Signal

	mu        sync.Mutex
	signalErr error
}

func newFakeChild(pid int) *fakeChild {
	r, w := io.Pipe()
	return &fakeChild{
		pid:     pid,
		r:       r,
		w:       w,
		exitCh:  make(chan int, 1),
		signals: make(chan syscall.Signal, 8),
	}
}

func (c *fakeChild) Pid() int              { return c.pid }
func (c *fakeChild) Output() io.ReadCloser { return c.r }

func (c *fakeChild) Signal(sig syscall.Signal) error {
	c.mu.Lock()
	err := c.signalErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.signals <- sig
	return nil
}

func (c *fakeChild) failSignals(err error) {
	c.mu.Lock()
	c.signalErr = err
	c.mu.Unlock()
}

func (c *fakeChild) Wait() (int, error) {
	return <-c.exitCh, nil
}

// exit terminates the child with status and closes its output.
func (c *fakeChild) exit(status int) {
	c.w.Close()
	c.exitCh <- status
}

// fakeSpawner hands out fake children and records every argument vector.
type fakeSpawner struct {
	mu       sync.Mutex
	argvs    [][]string
	children []*fakeChild
	err      error
	nextPid  int
}

func (s *fakeSpawner) Start(argv []string) (Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.nextPid++
	c := newFakeChild(1000 + s.nextPid)
	s.argvs = append(s.argvs, argv)
	s.children = append(s.children, c)
	return c, nil
}

func (s *fakeSpawner) child(i int) *fakeChild {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children[i]
}

func (s *fakeSpawner) started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// statusLog records NotifyStatus descriptions.
type statusLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *statusLog) notify(status string) {
	l.mu.Lock()
	l.lines = append(l.lines, status)
	l.mu.Unlock()
}

func (l *statusLog) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// harness runs a Daemon in the background.
type harness struct {
	d      *Daemon
	cancel context.CancelFunc
	result chan error
}

func startDaemon(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = nopLogger()
	}
	if opts.Echo == nil {
		opts.Echo = io.Discard
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = time.Hour
	}

	d := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{d: d, cancel: cancel, result: make(chan error, 1)}
	go func() {
		h.result <- d.Run(ctx)
	}()
	return h
}

// wait returns Run's result, failing the test if it does not return in time.
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("event loop did not terminate")
		return nil
	}
}

// stop cancels the loop's context and waits for Run to return.
func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	return h.wait(t)
}

func (h *harness) status(t *testing.T) Status {
	t.Helper()
	st, err := h.d.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	return st
}

func waitCompletion(t *testing.T, s *fakeSink) completion {
	t.Helper()
	select {
	case c := <-s.completed:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no requestCompleted event")
		return completion{}
	}
}

func waitOutput(t *testing.T, s *fakeSink) string {
	t.Helper()
	select {
	case o := <-s.outputs:
		return o
	case <-time.After(waitTimeout):
		t.Fatal("no childOutputReceived event")
		return ""
	}
}

func waitSignal(t *testing.T, c *fakeChild) syscall.Signal {
	t.Helper()
	select {
	case sig := <-c.signals:
		return sig
	case <-time.After(waitTimeout):
		t.Fatal("child was not signalled")
		return 0
	}
}
