// Package mporterr defines the closed error taxonomy shared by every
// public entry point of the package engine. Errors carry a Code that maps
// directly to a process exit status, plus a wrapped cause usable with
// errors.Is and errors.As.
package mporterr

import (
	"errors"
	"fmt"
)

type Code int

const (
	OK Code = iota
	Warn
	Fatal
	FetchTimeout
	BundleOutOfSync
	PrecheckConflict
	PrecheckDependMissing
	PrecheckNotUpgradeable
	PrecheckLocked
	MalformedRequirement
	IndexNotLoaded
	DbCorruption
	HookNonZero
	ChecksumMismatch
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case Warn:
		return "warning"
	case Fatal:
		return "fatal"
	case FetchTimeout:
		return "fetch timeout"
	case BundleOutOfSync:
		return "bundle out of sync"
	case PrecheckConflict:
		return "conflicting package installed"
	case PrecheckDependMissing:
		return "missing dependency"
	case PrecheckNotUpgradeable:
		return "installed version is not older"
	case PrecheckLocked:
		return "package is locked"
	case MalformedRequirement:
		return "malformed version requirement"
	case IndexNotLoaded:
		return "index not loaded"
	case DbCorruption:
		return "database corruption"
	case HookNonZero:
		return "hook returned non-zero"
	case ChecksumMismatch:
		return "checksum mismatch"
	}
	return fmt.Sprintf("error %d", int(c))
}

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Code, e.Cause)
		}
		return e.Code.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports code equality so sentinel comparisons like
// errors.Is(err, mporterr.ErrMalformedRequirement) work on wrapped values.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, msg string) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

func Wrapf(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinels for the most commonly matched conditions.
var (
	ErrFetchTimeout         = New(FetchTimeout, "")
	ErrBundleOutOfSync      = New(BundleOutOfSync, "")
	ErrMalformedRequirement = New(MalformedRequirement, "")
	ErrIndexNotLoaded       = New(IndexNotLoaded, "")
	ErrChecksumMismatch     = New(ChecksumMismatch, "")
)

// CodeOf extracts the taxonomy code from any error. A nil error is OK; an
// error from outside the taxonomy is Fatal.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Fatal
}

// ExitCode maps an error to the process exit status: 0 for success, 1 for
// a recoverable warning, the numeric code otherwise.
func ExitCode(err error) int {
	c := CodeOf(err)
	switch c {
	case OK:
		return 0
	case Warn:
		return 1
	default:
		return int(c)
	}
}
