// executor.go starts the external client as a child process whose combined
// stdout and stderr go to a pipe owned by the caller.
//
// The executor only starts processes. Reading the pipe, reaping the child and
// deciding when to signal it belong to the daemon's event loop.
package executor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// PipeBuf is the largest chunk read from the output pipe in one go. With a
// packet-mode pipe every read returns at most one child write.
const PipeBuf = 4096

// Runner starts child processes. Children inherit the daemon's environment.
type Runner struct {
	programs programPaths
}

// New creates a Runner with default settings.
func New() *Runner {
	return &Runner{}
}

// Process is a started child. Output is the read end of its output pipe and
// must be closed by whoever consumes it.
type Process struct {
	cmd    *exec.Cmd
	output *os.File
}

// Pid returns the child's process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Output returns the read end of the child's combined output pipe.
func (p *Process) Output() io.ReadCloser {
	return p.output
}

// Signal delivers sig to the child. Once the child has been reaped it returns
// os.ErrProcessDone instead of signalling whatever now holds the pid.
func (p *Process) Signal(sig syscall.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Wait blocks until the child terminates, reaps it and returns its classified
// status (see Status).
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.cmd.ProcessState == nil {
		return 0, fmt.Errorf("wait for pid %d: %w", p.cmd.Process.Pid, err)
	}
	return Status(p.cmd.ProcessState), nil
}

// Start launches argv[0], resolved through $PATH, with argv as its argument
// list. The child's stdout and stderr are both redirected to a fresh pipe; the
// parent's copy of the write end is closed before Start returns. On failure no
// descriptor is leaked.
func (r *Runner) Start(argv []string) (*Process, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("empty argument vector")
	}

	path, err := r.programs.resolve(argv[0])
	if err != nil {
		return nil, err
	}

	rd, wr, err := outputPipe()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Args[0] = argv[0]
	cmd.Stdout = wr
	cmd.Stderr = wr

	err = cmd.Start()
	// The child holds its own copy; ours would keep the pipe open past exit.
	wr.Close()
	if err != nil {
		rd.Close()
		if errors.Is(err, fs.ErrNotExist) {
			r.programs.forget(argv[0])
		}
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	return &Process{cmd: cmd, output: rd}, nil
}

// outputPipe creates the child's output pipe. Packet mode is preferred so a
// read never merges two writes; kernels without it get a plain pipe. The read
// end is made non-blocking so it is serviced by the runtime poller and a Close
// from another goroutine unblocks a pending Read.
func outputPipe() (*os.File, *os.File, error) {
	var fds [2]int
	err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_DIRECT)
	if errors.Is(err, unix.EINVAL) {
		err = unix.Pipe2(fds[:], unix.O_CLOEXEC)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create output pipe: %w", err)
	}

	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("set output pipe non-blocking: %w", err)
	}

	return os.NewFile(uintptr(fds[0]), "child-output"), os.NewFile(uintptr(fds[1]), "child-output-w"), nil
}
