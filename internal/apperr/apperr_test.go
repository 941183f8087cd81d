package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type codedErr struct{}

func (codedErr) Error() string { return "coded" }
func (codedErr) AppCode() Code { return NoRouteToHost }

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("lookup: %w", New(NodeNotFound, "node %s", "abc"))

	assert.True(t, errors.Is(err, ErrNodeNotFound))
	assert.False(t, errors.Is(err, ErrNodeUnreachable))
	assert.Equal(t, "NodeNotFound: node abc", errors.Unwrap(err).Error())
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(NodeUnreachable, cause, "probe %s", "10.0.0.2")

	assert.ErrorIs(t, err, cause)
	assert.True(t, err.IsRetryable())
	assert.Equal(t, "NodeUnreachable: probe 10.0.0.2: connection refused", err.Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, TestInProgress, CodeOf(fmt.Errorf("x: %w", ErrTestInProgress)))
	assert.Equal(t, NoRouteToHost, CodeOf(fmt.Errorf("x: %w", codedErr{})))
	assert.Equal(t, InternalError, CodeOf(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Code]int{
		InvalidDestination:   http.StatusBadRequest,
		NoRouteToHost:        http.StatusNotFound,
		NodeNotFound:         http.StatusNotFound,
		NodeUnreachable:      http.StatusBadGateway,
		TestInProgress:       http.StatusConflict,
		PermissionDenied:     http.StatusForbidden,
		PlatformNotSupported: http.StatusNotImplemented,
		RateLimitExceeded:    http.StatusTooManyRequests,
		InternalError:        http.StatusInternalServerError,
		InvalidRoute:         http.StatusInternalServerError,
	}
	for code, want := range tests {
		t.Run(string(code), func(t *testing.T) {
			assert.Equal(t, want, HTTPStatus(code))
			assert.NotEmpty(t, UserMessage(code))
		})
	}
}

func TestExternal(t *testing.T) {
	assert.Equal(t, InternalError, External(InvalidRoute))
	assert.Equal(t, InternalError, External(""))
	assert.Equal(t, NodeNotFound, External(NodeNotFound))
	assert.False(t, ErrInvalidDestination.IsRetryable())
	assert.NotEmpty(t, SuggestedFixes(NoRouteToHost))
	assert.Nil(t, SuggestedFixes(PermissionDenied))
}
