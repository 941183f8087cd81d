// Package apperr defines the closed set of error codes the daemon exposes
// to API clients and the fixed status/message pair attached to each.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error kind. The string form is the wire value.
type Code string

const (
	InvalidDestination   Code = "InvalidDestination"
	NoRouteToHost        Code = "NoRouteToHost"
	NodeNotFound         Code = "NodeNotFound"
	NodeUnreachable      Code = "NodeUnreachable"
	TestInProgress       Code = "TestInProgress"
	PermissionDenied     Code = "PermissionDenied"
	PlatformNotSupported Code = "PlatformNotSupported"
	RateLimitExceeded    Code = "RateLimitExceeded"
	InternalError        Code = "InternalError"

	// InvalidRoute never leaves the ingestion boundary; API responses report
	// it as InternalError.
	InvalidRoute Code = "InvalidRoute"
)

// Error carries a code plus optional detail and cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// New returns an *Error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, so errors.Is(err, apperr.New(code, ""))
// and errors.Is(err, apperr.ErrNodeNotFound) both work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable reports whether the condition may clear on its own.
func (e *Error) IsRetryable() bool {
	return e.Code == NodeUnreachable || e.Code == RateLimitExceeded
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidDestination   = &Error{Code: InvalidDestination}
	ErrNoRouteToHost        = &Error{Code: NoRouteToHost}
	ErrNodeNotFound         = &Error{Code: NodeNotFound}
	ErrNodeUnreachable      = &Error{Code: NodeUnreachable}
	ErrTestInProgress       = &Error{Code: TestInProgress}
	ErrPermissionDenied     = &Error{Code: PermissionDenied}
	ErrPlatformNotSupported = &Error{Code: PlatformNotSupported}
	ErrRateLimitExceeded    = &Error{Code: RateLimitExceeded}
	ErrInternal             = &Error{Code: InternalError}
	ErrInvalidRoute         = &Error{Code: InvalidRoute}
)

// CodeOf extracts the code carried by err. Errors that carry none are InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var coded interface{ AppCode() Code }
	if errors.As(err, &coded) {
		return coded.AppCode()
	}
	return InternalError
}

// HTTPStatus is the fixed HTTP status for a code.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidDestination:
		return http.StatusBadRequest
	case NoRouteToHost, NodeNotFound:
		return http.StatusNotFound
	case NodeUnreachable:
		return http.StatusBadGateway
	case TestInProgress:
		return http.StatusConflict
	case PermissionDenied:
		return http.StatusForbidden
	case PlatformNotSupported:
		return http.StatusNotImplemented
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// External maps internal-only codes onto their external counterpart.
func External(code Code) Code {
	if code == InvalidRoute || code == "" {
		return InternalError
	}
	return code
}

// UserMessage is the fixed human-readable message for a code.
func UserMessage(code Code) string {
	switch code {
	case InvalidDestination:
		return "Invalid destination. Please provide a valid IP address, node id or domain name."
	case NoRouteToHost:
		return "No route found to destination. Check your routing table and network connectivity."
	case NodeNotFound:
		return "Node not found. It may not have been discovered yet."
	case NodeUnreachable:
		return "Node is unreachable. Ensure both nodes are online and ports are open."
	case TestInProgress:
		return "A bandwidth test between these nodes is already running."
	case PermissionDenied:
		return "Permission denied. Please ensure you have proper permissions."
	case PlatformNotSupported:
		return "This operation is not supported on this platform."
	case RateLimitExceeded:
		return "Too many requests. Please slow down and try again."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// SuggestedFixes returns remediation hints for codes that have them.
func SuggestedFixes(code Code) []string {
	switch code {
	case NoRouteToHost:
		return []string{
			"Check that a default route exists (ip route show / netstat -rn)",
			"Verify the VPN or tunnel interface carrying this prefix is up",
			"Add a route for the destination prefix",
		}
	case NodeUnreachable:
		return []string{
			"Check that the node is running and its health probe port is open",
			"Check firewall rules between the two nodes",
		}
	case NodeNotFound:
		return []string{
			"Wait for the next discovery announcement",
			"Check that multicast traffic is allowed on the local network",
		}
	case InvalidDestination:
		return []string{"Use an IP address, a known node id or a resolvable hostname"}
	default:
		return nil
	}
}
