// status.go classifies how a child terminated into one numeric status.
package executor

import (
	"os"
	"syscall"
)

// signalStatusBase is added to the signal number of a signal-terminated child,
// matching what a POSIX shell reports in $?.
const signalStatusBase = 128

// Status returns the exit code (0-255) of a child that exited normally, or
// 128 plus the signal number of a child terminated by a signal.
func Status(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		return WaitStatus(ws)
	}
	return state.ExitCode()
}

// WaitStatus classifies a raw wait status.
func WaitStatus(ws syscall.WaitStatus) int {
	if ws.Signaled() {
		return signalStatusBase + int(ws.Signal())
	}
	return ws.ExitStatus()
}
