package http

import (
	"errors"
	"fmt"

	servo "github.com/samsamfire/goservo"
	"github.com/samsamfire/goservo/pkg/master"
)

var ERROR_GATEWAY_DESCRIPTION_MAP = map[int]string{
	100: "Request not supported",
	101: "Syntax error",
	102: "Request not processed due to internal state",
	103: "Time-out (where applicable)",
	107: "Unsupported node",
	204: "Wrong network state",
	401: "PDO length exceeded",
	601: "Network interface currently not available",
	900: "Manufacturer-specific error",
}

var (
	ErrGwRequestNotSupported       = &GatewayError{Code: 100}
	ErrGwSyntaxError               = &GatewayError{Code: 101}
	ErrGwRequestNotProcessed       = &GatewayError{Code: 102}
	ErrGwTimeout                   = &GatewayError{Code: 103}
	ErrGwUnsupportedNode           = &GatewayError{Code: 107}
	ErrGwWrongNetworkState         = &GatewayError{Code: 204}
	ErrGwPDOLengthExceeded         = &GatewayError{Code: 401}
	ErrGwInterfaceNotAvailable     = &GatewayError{Code: 601}
	ErrGwManufacturerSpecificError = &GatewayError{Code: 900}
)

type GatewayError struct {
	Code int // Can be either an sdo abort code or a gateway error code
}

func NewGatewayError(code int) error {
	return &GatewayError{Code: code}
}

func (e *GatewayError) Error() string {
	if e.Code <= 999 {
		return fmt.Sprintf("ERROR:%d", e.Code)
	}
	// Return as a hex value (sdo aborts)
	return fmt.Sprintf("ERROR:0x%x", e.Code)
}

// Convert a session error to a gateway error
func toGatewayError(err error) *GatewayError {
	var gwErr *GatewayError
	var abort master.SDOAbortCode
	var adapterErr *servo.AdapterError
	var transitionErr *servo.StateTransitionError
	switch {
	case errors.As(err, &gwErr):
		return gwErr
	case errors.As(err, &abort):
		return &GatewayError{Code: int(abort)}
	case errors.As(err, &adapterErr):
		return ErrGwInterfaceNotAvailable
	case errors.As(err, &transitionErr):
		return ErrGwWrongNetworkState
	case errors.Is(err, servo.ErrNoSlavesFound):
		return ErrGwUnsupportedNode
	case errors.Is(err, servo.ErrImageSizeMismatch):
		return ErrGwPDOLengthExceeded
	case errors.Is(err, servo.ErrReceiveTimeout):
		return ErrGwTimeout
	}
	return ErrGwRequestNotProcessed
}
