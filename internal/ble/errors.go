package ble

import (
	"errors"
	"fmt"

	"github.com/azymohliad/watchmate/internal/ble/protocol"
)

// Connect errors. Retry policy lives in the Session; the client never
// retries internally.
var (
	// ErrUnreachable means the transport connection could not be established.
	ErrUnreachable = errors.New("ble: device unreachable")
	// ErrConnectTimeout means the connection attempt exceeded its deadline.
	ErrConnectTimeout = errors.New("ble: connect timeout")
	// ErrDeviceNotFound means discovery finished without finding the device.
	ErrDeviceNotFound = errors.New("ble: device not found")
)

// Operation errors. Timeout and Disconnected are distinguished so callers
// can decide between retrying and escalating to reconnection.
var (
	// ErrTimeout means a single round-trip exceeded its bounded timeout.
	ErrTimeout = errors.New("ble: operation timed out")
	// ErrDisconnected means the transport handle is not currently connected.
	ErrDisconnected = errors.New("ble: not connected")
)

// ServiceMissingError reports that a required service was absent from the
// device during service discovery.
type ServiceMissingError struct {
	Service protocol.Service
}

func (e *ServiceMissingError) Error() string {
	return fmt.Sprintf("ble: required service %s missing on device", e.Service)
}
