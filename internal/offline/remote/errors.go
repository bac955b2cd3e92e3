package remote

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"
)

// ErrorClass tells the sync loop how to treat a failed operation.
type ErrorClass int

const (
	// ClassTransient is an unexpected but recoverable failure (network error,
	// 5xx, timeout). The operation is retried with backoff.
	ClassTransient ErrorClass = iota

	// ClassConflict is a duplicate-key or foreign-key violation. The write is
	// assumed to be already applied remotely and is dropped without retry.
	ClassConflict

	// ClassPermanent is a failure that will not go away on its own, such as
	// an update without an id. It still counts toward the retry ceiling.
	ClassPermanent
)

// String returns the lowercase name of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConflict:
		return "conflict"
	case ClassPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

var (
	// ErrMissingID is returned when an update or delete payload has no id.
	ErrMissingID = errors.New("payload id is required for update and delete")

	// ErrInvalidCollection is returned for collection names that cannot be
	// used as a table or path segment.
	ErrInvalidCollection = errors.New("invalid collection name")
)

// Error is a remote failure that carries its own class.
type Error struct {
	Class ErrorClass

	// Code is the backend error code, if any (e.g. "23505").
	Code string

	// Status is the HTTP status for REST backends, 0 otherwise.
	Status int

	Err error
}

// Error returns the underlying message, prefixed with the code when present.
func (e *Error) Error() string {
	msg := "remote error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (code %s)", msg, e.Code)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewConflictError wraps err as ClassConflict.
func NewConflictError(err error) error {
	return &Error{Class: ClassConflict, Err: err}
}

// NewTransientError wraps err as ClassTransient.
func NewTransientError(err error) error {
	return &Error{Class: ClassTransient, Err: err}
}

// NewPermanentError wraps err as ClassPermanent.
func NewPermanentError(err error) error {
	return &Error{Class: ClassPermanent, Err: err}
}

// Classifier maps an execution error to an ErrorClass.
type Classifier func(err error) ErrorClass

// Postgres SQLSTATE codes that PostgREST passes through.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// sqlStateError is implemented by Postgres driver errors (pgconn.PgError
// and friends) that expose the five-character SQLSTATE.
type sqlStateError interface {
	SQLState() string
}

// ClassifyError is the default Classifier.
//
// Order: an explicit *Error wins (a Postgres conflict code on it overrides
// its class), then a driver error exposing SQLState, then SQLite constraint
// codes, then ErrMissingID. Anything else is transient. Error messages are
// never searched for codes: record ids and addresses end up in them.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}

	var re *Error
	if errors.As(err, &re) {
		if isPostgresConflict(re.Code) {
			return ClassConflict
		}
		return re.Class
	}

	var se sqlStateError
	if errors.As(err, &se) && isPostgresConflict(se.SQLState()) {
		return ClassConflict
	}

	if isSQLiteConflict(err) {
		return ClassConflict
	}

	if errors.Is(err, ErrMissingID) || errors.Is(err, ErrInvalidCollection) {
		return ClassPermanent
	}

	return ClassTransient
}

func isPostgresConflict(code string) bool {
	return code == pgUniqueViolation || code == pgForeignKeyViolation
}

// sqliteConflictPrefixes are the messages SQLite itself produces for
// constraint violations. Builds that do not expose extended codes (libsql)
// return them as the innermost error text.
var sqliteConflictPrefixes = []string{
	"UNIQUE constraint failed",
	"PRIMARY KEY constraint failed",
	"FOREIGN KEY constraint failed",
}

// isSQLiteConflict detects constraint violations from the ncruces driver by
// extended code, and from other SQLite builds by the driver message at the
// bottom of the wrap chain.
func isSQLiteConflict(err error) bool {
	if errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) ||
		errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) ||
		errors.Is(err, sqlite3.CONSTRAINT_FOREIGNKEY) {
		return true
	}

	root := err
	for next := errors.Unwrap(root); next != nil; next = errors.Unwrap(root) {
		root = next
	}
	msg := root.Error()
	for _, prefix := range sqliteConflictPrefixes {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
