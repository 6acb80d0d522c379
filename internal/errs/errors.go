package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured rdma error with context and errno mapping.
type Error struct {
	Op     string    // Operation that failed (e.g., "POST_SEND", "CONNECT")
	ConnID int64     // Connection id (rdmaConnID), -1 if not applicable
	NodeID uint64    // Remote/local node id involved, 0 if not applicable
	Code   ErrorCode // High-level error category
	Errno  syscall.Errno
	Msg    string
	Inner  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.ConnID >= 0 {
		parts = append(parts, fmt.Sprintf("conn=%d", e.ConnID))
	}
	if e.NodeID != 0 {
		parts = append(parts, fmt.Sprintf("node=%d", e.NodeID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("rdma: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("rdma: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support comparing by error category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents the high-level error categories from the
// transport's failure-semantics contract.
type ErrorCode string

const (
	ErrCodeOutOfMemory       ErrorCode = "out of memory"
	ErrCodeInvalidArg        ErrorCode = "invalid argument"
	ErrCodeDeviceUnavailable ErrorCode = "device unavailable"
	ErrCodePostFailed        ErrorCode = "post failed"
	ErrCodeCompletionError   ErrorCode = "completion error"
	ErrCodeControlPlane      ErrorCode = "control plane failure"
	ErrCodeRemoteRejected    ErrorCode = "remote rejected"
)

// NewError creates a new structured error with no connection context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ConnID: -1, Code: code, Msg: msg}
}

// NewConnError creates a connection-scoped error.
func NewConnError(op string, connID int64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ConnID: connID, Code: code, Msg: msg}
}

// NewNodeError creates a node-scoped error (sequencer / connect paths).
func NewNodeError(op string, nodeID uint64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ConnID: -1, NodeID: nodeID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with rdma context, preserving a nested
// *Error's category or mapping a syscall.Errno to one.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if e, ok := inner.(*Error); ok {
		return &Error{
			Op: op, ConnID: e.ConnID, NodeID: e.NodeID,
			Code: e.Code, Errno: e.Errno, Msg: e.Msg, Inner: e.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op: op, ConnID: -1, Code: mapErrnoToCode(errno),
			Errno: errno, Msg: errno.Error(), Inner: inner,
		}
	}

	return &Error{Op: op, ConnID: -1, Code: ErrCodeControlPlane, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeOutOfMemory
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidArg
	case syscall.ENODEV, syscall.ENXIO, syscall.EOPNOTSUPP:
		return ErrCodeDeviceUnavailable
	case syscall.ETIMEDOUT, syscall.ECONNREFUSED, syscall.EPIPE:
		return ErrCodeControlPlane
	default:
		return ErrCodeCompletionError
	}
}

// IsCode reports whether err (or something it wraps) carries the given
// error category.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
