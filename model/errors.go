package model

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

const (
	RPCErrorCode         = -32000
	RPCMethodNotFoundErr = -32601
)

var (
	ErrValidation    = fmt.Errorf("validation failed: %w", errdefs.ErrInvalidArgument)
	ErrPolicy        = fmt.Errorf("not permitted: %w", errdefs.ErrPermissionDenied)
	ErrUnknownMethod = fmt.Errorf("unknown method: %w", errdefs.ErrNotImplemented)
	ErrAdmission     = fmt.Errorf("admission refused: %w", errdefs.ErrResourceExhausted)
	ErrOrphaned      = fmt.Errorf("count got to 0 without finish: %w", errors.Join(ErrAdmission, errdefs.ErrInternal))
	ErrResource      = fmt.Errorf("runtime resource failure: %w", errdefs.ErrUnavailable)
	ErrImagePull     = fmt.Errorf("image pull failed: %w", ErrResource)
	ErrLaunch        = fmt.Errorf("container launch failed: %w", ErrResource)
	ErrTransient     = fmt.Errorf("service unavailable: %w", errdefs.ErrUnavailable)
	ErrTokenExpired  = fmt.Errorf("token expired: %w", errdefs.ErrUnauthenticated)
	ErrCanceled      = fmt.Errorf("job canceled: %w", errdefs.ErrAborted)
	ErrCantRestart   = fmt.Errorf("job already run or terminated: %w", errdefs.ErrFailedPrecondition)
	ErrOutputMissing = fmt.Errorf("output not found: %w", errdefs.ErrNotFound)
)

// RPCError carries a JSON-RPC error code alongside the message sent to callers.
type RPCError struct {
	Code    int
	Message string
	Err     error
}

func (e *RPCError) Error() string {
	return e.Message
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// NewRPCError wraps kind with a caller-facing message.
func NewRPCError(kind error, msg string) *RPCError {
	code := RPCErrorCode
	if errors.Is(kind, ErrUnknownMethod) {
		code = RPCMethodNotFoundErr
	}
	return &RPCError{Code: code, Message: msg, Err: kind}
}

// AsRPCError converts any error into an RPCError, keeping an existing code.
func AsRPCError(err error) *RPCError {
	var re *RPCError
	if errors.As(err, &re) {
		return re
	}
	return NewRPCError(err, err.Error())
}

// ErrorOutput builds the output object recorded for a job that failed
// before or while running.
func ErrorOutput(name, msg string, code int) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"name":    name,
			"message": msg,
			"error":   msg,
			"code":    code,
		},
		"finished": 1,
	}
}
