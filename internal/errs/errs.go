package errs

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Record-level failures. They never propagate past a batch boundary; the
// normalizer turns them into rejections.
var (
	ErrMissingMapping   = errors.New("missing mapping")
	ErrAmbiguousMapping = errors.New("ambiguous mapping")
	ErrInvalidFormat    = errors.New("invalid format")
)

// Kind is the store-level failure class that drives retry and abort decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindIntegrity
	KindStructural
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	case KindStructural:
		return "structural"
	default:
		return "unknown"
	}
}

// StoreError tags an error with an explicit Kind. Classify prefers this tag
// over anything it could infer from the wrapped error.
type StoreError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	return &StoreError{Kind: KindTransient, Op: op, Err: err}
}

func Integrity(op string, err error) error {
	return &StoreError{Kind: KindIntegrity, Op: op, Err: err}
}

func Structural(op string, err error) error {
	return &StoreError{Kind: KindStructural, Op: op, Err: err}
}

// Structuralf builds a structural error from a message, used for schema and
// configuration mismatches detected before touching the store.
func Structuralf(op, format string, args ...any) error {
	return Structural(op, fmt.Errorf(format, args...))
}

// Classify maps an error returned by the store (or a wrapper around it) to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return KindTransient
	}

	return KindUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return Classify(err) == KindTransient }

// IsStructural reports whether err must abort the whole run.
func IsStructural(err error) bool { return Classify(err) == KindStructural }

func classifySQLState(code string) Kind {
	switch code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return KindTransient
	case "42P01", "42703", "42804", "42883", "42601", "42P10", "3F000":
		// undefined_table, undefined_column, datatype_mismatch, undefined_function,
		// syntax_error, invalid_column_reference, invalid_schema_name
		return KindStructural
	}

	switch {
	case strings.HasPrefix(code, "08"), // connection exception
		strings.HasPrefix(code, "53"), // insufficient resources
		strings.HasPrefix(code, "57"): // operator intervention (admin shutdown, query canceled)
		return KindTransient
	case strings.HasPrefix(code, "23"), // integrity constraint violation
		strings.HasPrefix(code, "22"): // data exception
		return KindIntegrity
	}
	return KindUnknown
}
