// Package errors carries the kinded error type shared by the security core and
// its RFC 7807 rendering.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an expected failure. Callers match on kinds with Is.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidToken
	KindExpiredToken
	KindRevokedToken
	KindInactiveUser
	KindRateLimited
	KindInvalidCredentials
	KindSecondFactorRequired
	KindInvalidSecondFactor
	KindWeakCredential
	KindCaptchaFailed
	KindValidation
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidToken:
		return "invalid_token"
	case KindExpiredToken:
		return "expired_token"
	case KindRevokedToken:
		return "revoked_token"
	case KindInactiveUser:
		return "inactive_user"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindSecondFactorRequired:
		return "second_factor_required"
	case KindInvalidSecondFactor:
		return "invalid_second_factor"
	case KindWeakCredential:
		return "weak_credential"
	case KindCaptchaFailed:
		return "captcha_failed"
	case KindValidation:
		return "validation"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a problem-details error with an internal kind.
type Error struct {
	Kind       Kind
	Status     int
	Title      string
	Detail     string
	RetryAfter time.Duration
	Err        error
}

// Sentinels for errors.Is matching. Only Kind is compared.
var (
	ErrInvalidToken         = &Error{Kind: KindInvalidToken}
	ErrExpiredToken         = &Error{Kind: KindExpiredToken}
	ErrRevokedToken         = &Error{Kind: KindRevokedToken}
	ErrInactiveUser         = &Error{Kind: KindInactiveUser}
	ErrRateLimited          = &Error{Kind: KindRateLimited}
	ErrInvalidCredentials   = &Error{Kind: KindInvalidCredentials}
	ErrSecondFactorRequired = &Error{Kind: KindSecondFactorRequired}
	ErrInvalidSecondFactor  = &Error{Kind: KindInvalidSecondFactor}
	ErrWeakCredential       = &Error{Kind: KindWeakCredential}
	ErrCaptchaFailed        = &Error{Kind: KindCaptchaFailed}
	ErrValidation           = &Error{Kind: KindValidation}
	ErrUnavailable          = &Error{Kind: KindUnavailable}
)

// New builds a kind-less problem error.
func New(status int, title, detail string) *Error {
	return &Error{Status: status, Title: title, Detail: detail}
}

// Newf builds a kinded error with a formatted internal detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: statusFor(kind), Title: titleFor(kind), Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds a kinded error around a cause.
func Wrap(kind Kind, cause error, detail string) *Error {
	return &Error{Kind: kind, Status: statusFor(kind), Title: titleFor(kind), Detail: detail, Err: cause}
}

// RateLimited builds the brute-force lockout error with a retry estimate
// expressed in whole minutes, rounded up.
func RateLimited(retryAfter time.Duration) *Error {
	minutes := int(math.Ceil(retryAfter.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return &Error{
		Kind:       KindRateLimited,
		Status:     http.StatusTooManyRequests,
		Title:      "Too Many Requests",
		Detail:     fmt.Sprintf("Too many login attempts. Please try again in %d %s.", minutes, unit),
		RetryAfter: retryAfter,
	}
}

func (e *Error) Error() string {
	msg := e.Title
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so sentinels compare equal to any
// concrete error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == KindUnknown {
		return e == t
	}
	return e.Kind == t.Kind
}

// KindOf extracts the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is and As mirror the standard library so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// Public converts any error into what may be shown to a client. Token,
// credential and account-state kinds collapse into one opaque 401 so a client
// cannot tell a stolen token from an expired one.
func Public(err error) *Error {
	var e *Error
	if !stderrors.As(err, &e) {
		return New(http.StatusServiceUnavailable, "Service Unavailable", "Please retry the request")
	}
	switch e.Kind {
	case KindInvalidToken, KindExpiredToken, KindRevokedToken, KindInactiveUser,
		KindInvalidCredentials, KindInvalidSecondFactor, KindCaptchaFailed:
		return New(http.StatusUnauthorized, "Unauthorized", "Authentication failed")
	case KindSecondFactorRequired:
		return &Error{Kind: e.Kind, Status: http.StatusUnauthorized, Title: "Unauthorized", Detail: "Second factor required"}
	case KindRateLimited:
		return &Error{Kind: e.Kind, Status: http.StatusTooManyRequests, Title: e.Title, Detail: e.Detail, RetryAfter: e.RetryAfter}
	case KindWeakCredential, KindValidation:
		return &Error{Kind: e.Kind, Status: http.StatusBadRequest, Title: "Bad Request", Detail: e.Detail}
	case KindUnavailable:
		return New(http.StatusServiceUnavailable, "Service Unavailable", "Please retry the request")
	}
	if e.Status != 0 {
		return New(e.Status, e.Title, e.Detail)
	}
	return New(http.StatusInternalServerError, "Internal Server Error", "")
}

type problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WriteError renders err as application/problem+json after Public mapping.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	pub := Public(err)
	if pub.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(pub.RetryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(pub.Status)
	instance := ""
	if r != nil && r.URL != nil {
		instance = r.URL.Path
	}
	_ = json.NewEncoder(w).Encode(problem{
		Type:     "about:blank",
		Title:    pub.Title,
		Status:   pub.Status,
		Detail:   pub.Detail,
		Instance: instance,
	})
}

func statusFor(kind Kind) int {
	switch kind {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindWeakCredential, KindValidation:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

func titleFor(kind Kind) string {
	switch kind {
	case KindRateLimited:
		return "Too Many Requests"
	case KindWeakCredential, KindValidation:
		return "Bad Request"
	case KindUnavailable:
		return "Service Unavailable"
	case KindUnknown:
		return "Internal Server Error"
	default:
		return "Unauthorized"
	}
}
