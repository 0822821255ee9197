package models

import (
	"errors"
	"fmt"
)

// Domain failure taxonomy. Validation and conflict errors are returned
// synchronously to the initiating command; gateway errors are additionally
// recorded on the affected intent. Nothing here should ever terminate the
// process.
var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrExpired              = errors.New("deadline expired")
	ErrDuplicateApplication = errors.New("duplicate application")
	ErrTaskNotOpen          = errors.New("task is not open")
	ErrAlreadyPaid          = errors.New("escrow already paid")
	ErrStageOrder           = errors.New("stage out of order")
	ErrEscrowFailed         = errors.New("escrow open failed")
)

// GatewayError wraps a failed gateway interaction. Transient failures
// (network, timeout, 5xx) are safe to retry with the same reference;
// permanent failures (declines) fail the intent.
type GatewayError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *GatewayError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("gateway %s: %s failure: %v", e.Op, kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsTransientGateway reports whether err is a retryable gateway failure.
func IsTransientGateway(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Transient
}
