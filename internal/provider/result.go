// Package provider implements the metered search API clients.
package provider

import (
	"errors"
	"fmt"
)

// Kind classifies the outcome of a provider call.
type Kind int

// Outcome kinds.
const (
	KindSuccess Kind = iota
	KindRateLimited
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors matching each failure kind.
var (
	ErrRateLimited = errors.New("provider rate limited")
	ErrTransient   = errors.New("provider transient failure")
	ErrFatal       = errors.New("provider fatal failure")
)

// Result is the classified outcome of one provider call.
type Result struct {
	Kind       Kind
	StatusCode int
	Body       []byte
	// Label names the credential used, empty when none was admitted.
	Label string
	Err   error
}

// Success reports whether the call returned a 2xx payload.
func (r Result) Success() bool {
	return r.Kind == KindSuccess
}

// Error converts a failed result into a *CallError. It returns nil on success.
func (r Result) Error() error {
	if r.Kind == KindSuccess {
		return nil
	}
	return &CallError{Kind: r.Kind, StatusCode: r.StatusCode, Label: r.Label, Err: r.Err}
}

// CallError carries the classification of a failed call through error returns.
type CallError struct {
	Kind       Kind
	StatusCode int
	Label      string
	Err        error
}

func (e *CallError) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP %d", msg, e.StatusCode)
	}
	if e.Label != "" {
		msg = fmt.Sprintf("%s (key %s)", msg, e.Label)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *CallError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *CallError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrFatal:
		return e.Kind == KindFatal
	default:
		return false
	}
}

// KindOf returns the classification carried by err. Errors that were never
// classified count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Kind
	}
	return KindTransient
}

// Retryable reports whether a job failing with err may be tried again.
func Retryable(err error) bool {
	return err != nil && KindOf(err) != KindFatal
}
