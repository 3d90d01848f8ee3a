package daemon

import "errors"

// Rejections. These are reported to the caller as a false acknowledgement and
// never disturb the event loop.
var (
	// ErrBusy is returned when an operation is requested while another is running.
	ErrBusy = errors.New("busy with ongoing request")

	// ErrNothingToCancel is returned by Cancel when no child is running.
	ErrNothingToCancel = errors.New("no child process to cancel")

	// ErrSpawnFailed wraps failures to create the output pipe or start the child.
	ErrSpawnFailed = errors.New("failed to start client")

	// ErrStopping is returned for operations requested after shutdown began.
	ErrStopping = errors.New("daemon is stopping")

	// ErrStopped is returned when the event loop is no longer running.
	ErrStopped = errors.New("daemon stopped")
)

// Fatal conditions. Run returns them and the process exits non-zero.
var (
	// ErrInternalInconsistency means the reaped child is not the recorded one.
	ErrInternalInconsistency = errors.New("internal inconsistency")

	// ErrTransportFailure means the bus connection failed.
	ErrTransportFailure = errors.New("bus transport failure")
)

// Transport close results. See Transport.TryClose.
var (
	// ErrCloseBusy means calls were queued while trying to close.
	ErrCloseBusy = errors.New("bus has queued calls")

	// ErrCloseUnsupported means the bus cannot refuse calls and close atomically.
	ErrCloseUnsupported = errors.New("atomic bus close not supported")
)
