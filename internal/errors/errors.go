package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProxyError is an error that can be returned to clients as JSON.
// ErrorID is a stable machine-readable identifier; Code is the HTTP status.
type ProxyError struct {
	ErrorID    string `json:"error"`
	Code       int    `json:"-"`
	Message    string `json:"error_description,omitempty"`
	Quota      string `json:"quota,omitempty"`
	underlying error
}

func (e *ProxyError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.ErrorID, e.underlying)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.ErrorID, e.Message)
	}
	return e.ErrorID
}

func (e *ProxyError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base singletons use pre-serialized JSON to avoid allocations.
func (e *ProxyError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Stable error identifiers with their HTTP statuses.
var (
	ErrServiceNotFound = &ProxyError{
		ErrorID: "errors.service.not.found",
		Code:    http.StatusNotFound,
	}

	ErrIPBlocked = &ProxyError{
		ErrorID: "errors.ip.blocked",
		Code:    http.StatusForbidden,
	}

	ErrRestrictionForbidden = &ProxyError{
		ErrorID: "errors.restriction.forbidden",
		Code:    http.StatusForbidden,
	}

	ErrRestrictionNotFound = &ProxyError{
		ErrorID: "errors.restriction.not.found",
		Code:    http.StatusNotFound,
	}

	ErrAuthRequired = &ProxyError{
		ErrorID: "errors.auth.required",
		Code:    http.StatusUnauthorized,
	}

	ErrBadToken = &ProxyError{
		ErrorID: "error.bad.token",
		Code:    http.StatusBadRequest,
	}

	ErrApiKeyInvalid = &ProxyError{
		ErrorID: "errors.apikey.invalid",
		Code:    http.StatusUnauthorized,
	}

	// Routing-constraint failures are deliberately shaped like "no such
	// service for this key" so callers cannot probe tag/metadata setups.
	ErrApiKeyRouting = &ProxyError{
		ErrorID: "errors.apikey.routing",
		Code:    http.StatusNotFound,
	}

	ErrQuotaExceeded = &ProxyError{
		ErrorID: "errors.quota.exceeded",
		Code:    http.StatusTooManyRequests,
	}

	ErrUpstreamConnect = &ProxyError{
		ErrorID: "errors.upstream.connect",
		Code:    http.StatusBadGateway,
	}

	ErrUpstreamTimeout = &ProxyError{
		ErrorID: "errors.upstream.timeout",
		Code:    http.StatusBadGateway,
	}

	ErrUpstreamTokenInvalid = &ProxyError{
		ErrorID: "errors.upstream.token.invalid",
		Code:    http.StatusBadGateway,
	}

	ErrInternal = &ProxyError{
		ErrorID: "errors.internal",
		Code:    http.StatusInternalServerError,
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*ProxyError][]byte

func init() {
	bases := []*ProxyError{
		ErrServiceNotFound, ErrIPBlocked, ErrRestrictionForbidden,
		ErrRestrictionNotFound, ErrAuthRequired, ErrBadToken,
		ErrApiKeyInvalid, ErrApiKeyRouting, ErrQuotaExceeded,
		ErrUpstreamConnect, ErrUpstreamTimeout, ErrUpstreamTokenInvalid,
		ErrInternal,
	}
	preSerialized = make(map[*ProxyError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new ProxyError.
func New(errorID string, code int, message string) *ProxyError {
	return &ProxyError{
		ErrorID: errorID,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an underlying error with a stable identifier and status.
func Wrap(err error, errorID string, code int) *ProxyError {
	return &ProxyError{
		ErrorID:    errorID,
		Code:       code,
		underlying: err,
	}
}

// WithDetails returns a copy with a human-readable description attached.
func (e *ProxyError) WithDetails(message string) *ProxyError {
	return &ProxyError{
		ErrorID:    e.ErrorID,
		Code:       e.Code,
		Message:    message,
		Quota:      e.Quota,
		underlying: e.underlying,
	}
}

// WithQuota returns a copy identifying the quota dimension that failed
// (throttling, daily or monthly).
func (e *ProxyError) WithQuota(quota string) *ProxyError {
	return &ProxyError{
		ErrorID:    e.ErrorID,
		Code:       e.Code,
		Message:    e.Message,
		Quota:      quota,
		underlying: e.underlying,
	}
}

// IsProxyError checks if an error is a ProxyError.
func IsProxyError(err error) (*ProxyError, bool) {
	if pe, ok := err.(*ProxyError); ok {
		return pe, true
	}
	return nil, false
}

// Retryable reports whether the error may be retried against another target.
// Only upstream failures fall through to the next target.
func Retryable(err error) bool {
	pe, ok := IsProxyError(err)
	if !ok {
		return false
	}
	switch pe.ErrorID {
	case ErrUpstreamConnect.ErrorID, ErrUpstreamTimeout.ErrorID, ErrUpstreamTokenInvalid.ErrorID:
		return true
	}
	return false
}
