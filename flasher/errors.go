package flasher

import "errors"

// Error kinds. Every error the engine returns wraps exactly one of these,
// so callers can classify failures with errors.Is.
var (
	// ErrTimeout: an operation ran past its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrSyncFailed: the chip never acknowledged SYNC.
	ErrSyncFailed = errors.New("sync failed")

	// ErrFatal: the chip returned an error status, reported an unknown
	// magic, sent a malformed response or failed MD5 verification.
	// Not recoverable without a reset.
	ErrFatal = errors.New("protocol error")

	// ErrTransport: the underlying byte channel failed.
	ErrTransport = errors.New("transport error")

	// ErrInvalidState: an operation was issued in a lifecycle stage
	// that does not permit it.
	ErrInvalidState = errors.New("invalid state")
)
