// Package errs defines the closed error taxonomy shared by every
// component so a single top-level boundary can map errors to wire
// codes without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error categories.
type Kind uint8

const (
	Validation Kind = iota
	Resource
	Storage
	Catalog
	Search
	Cluster
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Resource:
		return "resource"
	case Storage:
		return "storage"
	case Catalog:
		return "catalog"
	case Search:
		return "search"
	case Cluster:
		return "cluster"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// E is the error value every fallible path returns or wraps.
type E struct {
	Kind    Kind
	Op      string // offending operation, e.g. "wal.Writer.Append"
	Path    string // offending path, when applicable
	Err     error
	Retry   bool // true if the orchestrator may retry this call
}

func (e *E) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s [%s] (path=%s): %v", e.Kind, e.Op, e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *E) Unwrap() error { return e.Err }

// New builds an *E. Path may be empty.
func New(kind Kind, op, path string, err error) *E {
	return &E{Kind: kind, Op: op, Path: path, Err: err}
}

// Retryable marks an *E as safe to retry with backoff (Storage/Cluster
// transient failures).
func Retryable(kind Kind, op, path string, err error) *E {
	return &E{Kind: kind, Op: op, Path: path, Err: err, Retry: true}
}

// Wrap returns nil if err is nil, otherwise New(kind, op, path, err). For
// call sites that only need to tag the tail error of a function (e.g. a
// deferred tx.Commit) without an intermediate if-err check.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return New(kind, op, path, err)
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether err was marked retryable.
func IsRetryable(err error) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Retry
	}
	return false
}

// Sentinel errors used with errors.Is for specific, well-known conditions
// referenced across packages (WAL replay, catalog lookups, search).
var (
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	ErrLengthMismatch   = errors.New("wal: length mismatch")
	ErrShortWrite       = errors.New("wal: short write")
	ErrBadMagic         = errors.New("wal: file identifier mismatch")
	ErrNotFound         = errors.New("catalog: not found")
	ErrQueueFull        = errors.New("admission: queue full")
	ErrLockHeld         = errors.New("cluster: lock held by another holder")
	ErrParquetFileNotFound = errors.New("search: parquet file not found")
)
