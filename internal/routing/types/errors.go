package types

import (
	"fmt"

	"github.com/wesleywu/routemesh/internal/apperr"
)

// RouteOperationError represents an error that occurred while reading or
// validating routes
type RouteOperationError struct {
	ErrorType   RouteErrorType
	Destination string // The destination that caused the error
	Gateway     string // The gateway involved in the error, if any
	Cause       error  // Underlying error
}

// RouteErrorType represents the category of routing operation error
type RouteErrorType int

// Route error type constants
const (
	// RouteErrPermission indicates insufficient privileges to read the table
	RouteErrPermission RouteErrorType = iota
	// RouteErrInvalidRoute indicates malformed or invalid route parameters
	RouteErrInvalidRoute
	// RouteErrSystemCall indicates the route command failed
	RouteErrSystemCall
	// RouteErrUnsupported indicates no adapter exists for this platform
	RouteErrUnsupported
	// RouteErrTimeout indicates operation timeout
	RouteErrTimeout
)

// String returns a string representation of the route error type
func (e RouteErrorType) String() string {
	switch e {
	case RouteErrPermission:
		return "Permission"
	case RouteErrInvalidRoute:
		return "InvalidRoute"
	case RouteErrSystemCall:
		return "SystemCall"
	case RouteErrUnsupported:
		return "Unsupported"
	case RouteErrTimeout:
		return "Timeout"
	default:
		return "UnknownError"
	}
}

// Error implements the error interface for RouteOperationError
func (roe *RouteOperationError) Error() string {
	target := roe.Destination
	if target == "" {
		target = "routing table"
	}
	if roe.Gateway != "" {
		target += " via " + roe.Gateway
	}
	return fmt.Sprintf("route operation failed [%s] for %s: %v",
		roe.ErrorType.String(), target, roe.Cause)
}

func (roe *RouteOperationError) Unwrap() error { return roe.Cause }

// AppCode maps the error category onto the external error code
func (roe *RouteOperationError) AppCode() apperr.Code {
	switch roe.ErrorType {
	case RouteErrPermission:
		return apperr.PermissionDenied
	case RouteErrInvalidRoute:
		return apperr.InvalidRoute
	case RouteErrUnsupported:
		return apperr.PlatformNotSupported
	default:
		return apperr.InternalError
	}
}

// Is lets errors.Is match against the apperr sentinels
func (roe *RouteOperationError) Is(target error) bool {
	t, ok := target.(*apperr.Error)
	if !ok {
		return false
	}
	return t.Code == roe.AppCode()
}

// IsRetryable returns true if the error condition might be temporary
func (roe *RouteOperationError) IsRetryable() bool {
	return roe.ErrorType == RouteErrSystemCall || roe.ErrorType == RouteErrTimeout
}

// IsPermissionError returns true if the error is due to insufficient privileges
func (roe *RouteOperationError) IsPermissionError() bool {
	return roe.ErrorType == RouteErrPermission
}
