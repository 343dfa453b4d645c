// Package apierr defines the typed error taxonomy used across the pipeline
// engine. Every error that can abort a module run carries a Kind so the
// orchestrator and logging layer can classify failures without string
// matching, the same way orchid's httperror attaches an HTTP status to every
// handler error.
package apierr

import "fmt"

// Kind classifies where in the pipeline an error originated.
type Kind string

const (
	KindConfig     Kind = "config"
	KindNetwork    Kind = "network"
	KindHTTPStatus Kind = "http_status"
	KindPagination Kind = "pagination"
	KindParse      Kind = "parse"
	KindSchema     Kind = "schema"
	KindSQL        Kind = "sql"
	KindWriter     Kind = "writer"
	KindMerge      Kind = "merge"
	KindTemplate   Kind = "template"
	KindMutex      Kind = "mutex"
)

// Error is a typed pipeline error: a Kind plus a message, optionally
// wrapping an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Config reports a configuration resolution failure (missing source/sink,
// missing table_destination_name, malformed pagination, missing env var).
func Config(format string, args ...any) *Error { return newf(KindConfig, nil, format, args...) }

// ConfigWrap wraps an underlying error as a Config failure.
func ConfigWrap(cause error, format string, args ...any) *Error {
	return newf(KindConfig, cause, format, args...)
}

// Network reports a transport-level failure reaching the source API.
func Network(cause error, format string, args ...any) *Error {
	return newf(KindNetwork, cause, format, args...)
}

// HTTPStatus reports an error HTTP status returned by the source API. The
// fetcher reports a retryable status whose retries are exhausted as a
// Network error wrapping this one.
func HTTPStatus(format string, args ...any) *Error { return newf(KindHTTPStatus, nil, format, args...) }

// Pagination reports a pagination-strategy failure (bad cursor, missing
// total count, inconsistent page size).
func Pagination(format string, args ...any) *Error { return newf(KindPagination, nil, format, args...) }

// Parse reports a response body that could not be decoded as JSON or whose
// data_path did not resolve to an array.
func Parse(cause error, format string, args ...any) *Error {
	return newf(KindParse, cause, format, args...)
}

// Schema reports a schema inference failure.
func Schema(format string, args ...any) *Error { return newf(KindSchema, nil, format, args...) }

// SQL reports a SQL execution failure (rewrite, virtual table, engine).
func SQL(cause error, format string, args ...any) *Error {
	return newf(KindSQL, cause, format, args...)
}

// Writer reports a sink writer failure (auto-create, insert, transaction).
func Writer(cause error, format string, args ...any) *Error {
	return newf(KindWriter, cause, format, args...)
}

// Merge reports a merge/upsert-specific failure (missing primary key
// mapping, conflict target mismatch).
func Merge(format string, args ...any) *Error { return newf(KindMerge, nil, format, args...) }

// Template reports a query-parameter template failure (unknown function,
// bad argument).
func Template(format string, args ...any) *Error { return newf(KindTemplate, nil, format, args...) }

// Mutex reports a failure recovering from a poisoned/panicking
// RenderCapture critical section.
func Mutex(cause error, format string, args ...any) *Error {
	return newf(KindMutex, cause, format, args...)
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
