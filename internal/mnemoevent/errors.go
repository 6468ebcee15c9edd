package mnemoevent

import "errors"

// Error taxonomy shared across components. Each sentinel is wrapped with
// fmt.Errorf("...: %w", ...) at the call site and tested with errors.Is,
// following the teacher's ErrInvalidState / ErrWorkflowNotFound pattern.
var (
	ErrConflict     = errors.New("conflict")
	ErrDeadlock     = errors.New("deadlock")
	ErrOverflow     = errors.New("overflow")
	ErrUnsigned     = errors.New("unsigned")
	ErrBadSignature = errors.New("bad signature")
	ErrOversize     = errors.New("oversize")
	ErrMalformed    = errors.New("malformed")
	ErrNotFound     = errors.New("not found")
	ErrTimeout      = errors.New("timeout")
	ErrTransport    = errors.New("transport")
	ErrPermission   = errors.New("permission")
	ErrInternal     = errors.New("internal")
)
