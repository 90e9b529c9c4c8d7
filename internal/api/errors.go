package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so the dispatcher can translate it into an HTTP
// status and error envelope without inspecting backend-specific error text.
type Kind string

const (
	KindUnauthenticated   Kind = "FailedAuth"
	KindForbidden         Kind = "AuthorizationFailed"
	KindNotFound          Kind = "NotFound"
	KindMethodNotAllowed  Kind = "MethodNotAllowed"
	KindRateLimited       Kind = "RateLimited"
	KindQuerySyntax       Kind = "QuerySyntax"
	KindInvalidField      Kind = "InvalidField"
	KindTypeMismatch      Kind = "TypeMismatch"
	KindMissingParameter  Kind = "MissingParameter"
	KindRowConflict       Kind = "RowConflict"
	KindFileTooLarge      Kind = "FileTooLarge"
	KindExtensionDenied   Kind = "ExtensionDenied"
	KindFileExists        Kind = "FileExists"
	KindPathEscape        Kind = "PathEscape"
	KindCompositeTemplate Kind = "CompositeTemplateError"
	KindUpstreamDown      Kind = "UpstreamUnavailable"
	KindUpstreamTimeout   Kind = "UpstreamTimeout"
	KindDbUnavailable     Kind = "DbUnavailable"
	KindDbTimeout         Kind = "DbTimeout"
	KindCacheUnavailable  Kind = "CacheUnavailable"
	KindEnvMisconfigured  Kind = "EnvironmentMisconfigured"
	KindDecryptionMissing Kind = "SettingsDecryptionUnavailable"
	KindConfigInvalid     Kind = "ConfigInvalid"
	KindUnexpected        Kind = "Unexpected"
)

// Error pairs a taxonomy kind with an operator-facing cause. The public
// message never carries SQL text, connection strings, or stack details; those
// stay in the wrapped error and reach logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a typed error. Message is what callers may see; err is internal.
func E(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Errf builds a typed error with a formatted public message.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the taxonomy kind, defaulting to Unexpected for untyped
// failures so internals never leak through the envelope.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnexpected
}

// PublicMessage returns the caller-safe message for an error.
func PublicMessage(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		if typed.Message != "" {
			return typed.Message
		}
		return string(typed.Kind)
	}
	return "internal server error"
}

// StatusFor maps the taxonomy onto HTTP statuses per the propagation policy.
func StatusFor(kind Kind) int {
	switch kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindQuerySyntax, KindInvalidField, KindTypeMismatch, KindMissingParameter,
		KindFileTooLarge, KindExtensionDenied, KindFileExists, KindPathEscape,
		KindCompositeTemplate:
		return http.StatusBadRequest
	case KindRowConflict:
		return http.StatusConflict
	case KindUpstreamDown:
		return http.StatusBadGateway
	case KindUpstreamTimeout, KindDbTimeout:
		return http.StatusGatewayTimeout
	case KindDbUnavailable, KindCacheUnavailable:
		return http.StatusServiceUnavailable
	case KindEnvMisconfigured, KindDecryptionMissing, KindConfigInvalid:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
