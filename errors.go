package caldera

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies a class of failure. Kinds are stable API: transports map
// them to status codes and clients branch on them.
type Kind string

const (
	KindBadRequest      Kind = "bad_request"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindRuntimeNotReady Kind = "runtime_not_ready"
	KindRuntimeBusy     Kind = "runtime_busy"
	KindToolFailed      Kind = "tool_failed"
	KindSkillFailed     Kind = "skill_failed"
	KindLLMUpstream     Kind = "llm_upstream"
	KindMemoryBackend   Kind = "memory_backend"
	KindCancelled       Kind = "cancelled"
	KindInternal        Kind = "internal"
)

// Error is the typed error value used throughout the platform.
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

// Is matches on Kind so callers can compare against sentinel values.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) *Error {
	return newError(KindBadRequest, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, format, args...)
}

func RuntimeNotReady(format string, args ...any) *Error {
	return newError(KindRuntimeNotReady, format, args...)
}

func RuntimeBusy(format string, args ...any) *Error {
	return newError(KindRuntimeBusy, format, args...)
}

// UpstreamError wraps a provider failure, keeping the cause for errors.As.
func UpstreamError(provider string, err error) *Error {
	return &Error{Kind: KindLLMUpstream, Message: "provider " + provider, Err: err}
}

// BackendError wraps a persistence failure from the memory store.
func BackendError(op string, err error) *Error {
	return &Error{Kind: KindMemoryBackend, Message: op, Err: err}
}

// ErrHTTP is a non-2xx response from an upstream LLM API. The provider does
// not retry; RetryAfter is parsed from the Retry-After header when present so
// callers can decide.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds or
// an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
