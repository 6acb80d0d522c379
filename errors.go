package rdma

import "github.com/behrlich/rdma-manager/internal/errs"

// Error, ErrorCode and the error-category constants are re-exported
// from internal/errs so every internal package (memregion, engine,
// ctrlsock, ...) can construct them without importing this
// facade package back, while rdma.Error stays the public-facing type.
type Error = errs.Error
type ErrorCode = errs.ErrorCode

const (
	ErrCodeOutOfMemory       = errs.ErrCodeOutOfMemory
	ErrCodeInvalidArg        = errs.ErrCodeInvalidArg
	ErrCodeDeviceUnavailable = errs.ErrCodeDeviceUnavailable
	ErrCodePostFailed        = errs.ErrCodePostFailed
	ErrCodeCompletionError   = errs.ErrCodeCompletionError
	ErrCodeControlPlane      = errs.ErrCodeControlPlane
	ErrCodeRemoteRejected    = errs.ErrCodeRemoteRejected
)

var (
	NewError      = errs.NewError
	NewConnError  = errs.NewConnError
	NewNodeError  = errs.NewNodeError
	WrapError     = errs.WrapError
	IsCode        = errs.IsCode
)
