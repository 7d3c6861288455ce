// Package apierr is the gateway's error taxonomy. Components return *Error values (usually
// wrapping a lower-level cause) and the HTTP layer maps them to a response exactly once.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by who is at fault and how the caller should react.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindRateLimited
	KindNotFound
	KindInvalid
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error carries the HTTP status and client-facing detail for a failure.
type Error struct {
	Kind   Kind
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, status int, detail string, err error) *Error {
	return &Error{Kind: kind, Status: status, Detail: detail, Err: err}
}

// Authentication is a bad, missing or expired credential (401).
func Authentication(detail string, err error) *Error {
	return newError(KindAuthentication, http.StatusUnauthorized, detail, err)
}

// Authorization is a valid identity lacking a required role (403).
func Authorization(detail string) *Error {
	return newError(KindAuthorization, http.StatusForbidden, detail, nil)
}

// RateLimited is returned when the client exhausted its window (429).
func RateLimited() *Error {
	return newError(KindRateLimited, http.StatusTooManyRequests, "Rate limit exceeded", nil)
}

// NotFound is a named resource that does not exist (404).
func NotFound(detail string, err error) *Error {
	return newError(KindNotFound, http.StatusNotFound, detail, err)
}

// Invalid is a request the gateway itself could not interpret (422).
func Invalid(detail string, err error) *Error {
	return newError(KindInvalid, http.StatusUnprocessableEntity, detail, err)
}

// TooLarge is a request body over the configured limit (413).
func TooLarge(err error) *Error {
	return newError(KindInvalid, http.StatusRequestEntityTooLarge, "Request body too large", err)
}

// Unavailable is a dependency that could not be reached (503).
func Unavailable(detail string, err error) *Error {
	return newError(KindUnavailable, http.StatusServiceUnavailable, detail, err)
}

// UnavailableInternal is a dependency outage surfaced as 500, used where the outage is an
// internal failure of the platform rather than of a routable backend (identity provider).
func UnavailableInternal(detail string, err error) *Error {
	return newError(KindUnavailable, http.StatusInternalServerError, detail, err)
}

// Internal is an unexpected failure (500).
func Internal(detail string, err error) *Error {
	return newError(KindInternal, http.StatusInternalServerError, detail, err)
}

// As extracts an *Error from err's chain. Foreign errors become Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal("internal server error", err)
}

// Status returns the HTTP status err maps to.
func Status(err error) int {
	if ae := As(err); ae != nil {
		return ae.Status
	}
	return http.StatusOK
}

// Write renders err as a response. Rate limiting keeps the plain text body clients already
// match on; everything else is JSON {"detail": "..."}.
func Write(w http.ResponseWriter, err error) {
	ae := As(err)
	if ae == nil {
		return
	}
	if ae.Kind == KindRateLimited {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(ae.Status)
		_, _ = w.Write([]byte(ae.Detail))
		return
	}
	if ae.Kind == KindAuthentication {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	WriteJSON(w, ae.Status, map[string]string{"detail": ae.Detail})
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
