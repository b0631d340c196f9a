package servo

import (
	"errors"
	"fmt"
)

var (
	ErrNoSlavesFound     = errors.New("no slaves found on the network")
	ErrReceiveTimeout    = errors.New("process data receive timed out")
	ErrNotConnected      = errors.New("session is not connected")
	ErrAlreadyConnected  = errors.New("session is already connected or connecting")
	ErrAlreadyRunning    = errors.New("exchange engine is already running")
	ErrOutOfRange        = errors.New("range exceeds process data buffer")
	ErrObjectNotMapped   = errors.New("object is not mapped in the process image")
	ErrInvalidLayout     = errors.New("invalid process image layout")
	ErrImageSizeMismatch = errors.New("negotiated process data size does not match layout")
	ErrUnknownDriver     = errors.New("unknown master driver")
)

// AdapterError is returned when the network adapter could not be opened.
// Nothing is left open when this error is returned.
type AdapterError struct {
	Adapter string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("failed to open adapter %q : %v", e.Adapter, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// SdoConfigurationError is returned when a PDO mapping write was
// rejected by the device. The mapping is left as is, the session
// is not usable afterwards.
type SdoConfigurationError struct {
	Index    uint16
	Subindex uint8
	Err      error
}

func (e *SdoConfigurationError) Error() string {
	return fmt.Sprintf("sdo write x%04x:x%02x failed : %v", e.Index, e.Subindex, e.Err)
}

func (e *SdoConfigurationError) Unwrap() error {
	return e.Err
}

// StateTransitionError is returned when the network did not reach the
// requested application layer state in time. Actual and ALStatusCode
// are the values observed when giving up.
type StateTransitionError struct {
	Target       uint8
	Actual       uint8
	ALStatusCode uint16
	Description  string
}

func (e *StateTransitionError) Error() string {
	msg := fmt.Sprintf("slaves did not reach state x%x, slave is in state x%x with AL status code x%04x",
		e.Target, e.Actual, e.ALStatusCode)
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}
