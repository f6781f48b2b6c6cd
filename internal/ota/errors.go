package ota

import "errors"

// Transfer failure taxonomy. Terminal transfer errors are inspected with
// errors.Is; device-reported detail is wrapped around these sentinels.
var (
	// ErrAlreadyInProgress means a transfer is active and a second one was
	// requested. The active transfer is untouched.
	ErrAlreadyInProgress = errors.New("ota: update already in progress")
	// ErrNotReady means no live session link is attached.
	ErrNotReady = errors.New("ota: session not ready")
	// ErrIncompatibleVersion means the version gate rejected the image
	// before any bytes were sent.
	ErrIncompatibleVersion = errors.New("ota: incompatible version")
	// ErrChunkTimeout means a chunk went unacknowledged through all retries.
	ErrChunkTimeout = errors.New("ota: chunk acknowledgment timed out")
	// ErrIntegrityMismatch means the checksum the watch computed over the
	// received image disagrees with the declared one.
	ErrIntegrityMismatch = errors.New("ota: integrity verification failed")
	// ErrLinkLost means the link dropped at a point the transfer protocol
	// cannot resume from.
	ErrLinkLost = errors.New("ota: link lost")
	// ErrAborted means the transfer was cancelled by request.
	ErrAborted = errors.New("ota: transfer aborted")
	// ErrSourceUnavailable means the release source could not be reached.
	ErrSourceUnavailable = errors.New("ota: release source unavailable")
)

// Internal control-flow sentinels for the chunk loop.
var (
	errAckTimeout = errors.New("ota: ack wait timed out")
	errSuspended  = errors.New("ota: link dropped mid-transfer")
)
