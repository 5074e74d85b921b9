// Package errs defines the error taxonomy shared by the migration pipeline.
package errs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"
)

// Kind is the category of a pipeline error.
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindNetwork        Kind = "network"
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindValidation     Kind = "validation"
	KindParse          Kind = "parse"
	KindTransform      Kind = "transform"
	KindStorage        Kind = "storage"
	KindFileNotFound   Kind = "file_not_found"
	KindAPI            Kind = "api"
)

// ValidKinds lists every kind accepted in configuration.
var ValidKinds = []Kind{
	KindUnknown, KindNetwork, KindAuthentication, KindRateLimit, KindValidation,
	KindParse, KindTransform, KindStorage, KindFileNotFound, KindAPI,
}

// Error wraps a cause with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// Transient marks API errors that may succeed on retry (HTTP 5xx).
	Transient bool
	// RetryAfter is the server-mandated wait for rate-limit errors.
	RetryAfter time.Duration
	// Payload carries the structured remote error list, if any.
	Payload []map[string]interface{}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kind-tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a kind-tagged error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Classify returns the kind of err. Kind-tagged errors win; otherwise the
// well-known stdlib errors are mapped and the message is keyword-matched.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, fs.ErrNotExist) {
		return KindFileNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "unauthorized", "forbidden", "401", "403", "invalid token"):
		return KindAuthentication
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return KindRateLimit
	case containsAny(msg, "connection refused", "connection reset", "timeout", "no such host"):
		return KindNetwork
	case containsAny(msg, "database", "sqlite", "sql:"):
		return KindStorage
	case containsAny(msg, "not found", "no such file"):
		return KindFileNotFound
	case containsAny(msg, "parse", "decode", "malformed"):
		return KindParse
	case containsAny(msg, "graphql", "500", "502", "503"):
		return KindAPI
	}
	return KindUnknown
}

// Retryable reports whether a retry may succeed.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindNetwork, KindRateLimit:
			return true
		case KindAPI:
			return e.Transient
		}
		return false
	}
	switch Classify(err) {
	case KindNetwork, KindRateLimit:
		return true
	}
	return false
}

// Fatal reports whether err must stop the whole run.
func Fatal(err error) bool {
	switch Classify(err) {
	case KindAuthentication, KindStorage:
		return true
	}
	return false
}

// RetryAfter returns the server-mandated wait carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
