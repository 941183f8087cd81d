package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/wesleywu/routemesh/internal/apperr"
	"github.com/wesleywu/routemesh/internal/logger"
)

var errRateLimited = apperr.New(apperr.RateLimitExceeded, "request rate limit exceeded")

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error          string   `json:"error"`
	Message        string   `json:"message"`
	SuggestedFixes []string `json:"suggested_fixes"`
	Detail         string   `json:"detail,omitempty"`
}

func errorResponse(err error) (int, ErrorResponse) {
	code := apperr.External(apperr.CodeOf(err))
	resp := ErrorResponse{
		Error:          string(code),
		Message:        apperr.UserMessage(code),
		SuggestedFixes: apperr.SuggestedFixes(code),
	}
	if resp.SuggestedFixes == nil {
		resp.SuggestedFixes = []string{}
	}
	if code != apperr.InternalError {
		resp.Detail = err.Error()
	}
	return apperr.HTTPStatus(code), resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeError(w http.ResponseWriter, log *logger.Logger, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "error", err.Error())
	}
	writeJSON(w, status, resp)
}

// decodeJSON reads a bounded request body. Malformed bodies are an
// InvalidDestination since every request names a destination or target.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperr.Wrap(apperr.InvalidDestination, err, "invalid request body")
	}
	return nil
}

func requireField(name, value string) error {
	if value == "" {
		return apperr.New(apperr.InvalidDestination, "%s is required", name)
	}
	return nil
}

// statusRecorder captures the response status for metrics. It passes
// hijacking through so websocket upgrades still work.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func badRequest(format string, args ...any) error {
	return apperr.New(apperr.InvalidDestination, "%s", fmt.Sprintf(format, args...))
}
