package nvdb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by operations that assert prior existence
	// (Update, LoadRelated). Plain Get returns (nil, nil) instead.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Create when the primary key is taken,
	// and by unique secondary key conflicts.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPermissionDenied is returned when a transaction grant or a
	// cross-definition access level does not cover the attempted operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrReadOnlyTx is returned when a mutating operation runs inside a
	// read transaction.
	ErrReadOnlyTx = errors.New("read-only transaction")

	// ErrStaleLink is returned when a hydrated link is used outside the
	// transaction that produced it.
	ErrStaleLink = errors.New("stale link: hydrated outside this transaction")

	// ErrTableNotFound is returned by storage backends for missing tables.
	ErrTableNotFound = errors.New("table not found")
)

// SerializationError reports malformed stored bytes: bad version headers,
// undecodable msgpack, corrupted blob chunks.
type SerializationError struct {
	Data []byte
	Err  error
	Msg  string
}

func serialErrf(data []byte, err error, format string, args ...any) error {
	return &SerializationError{Data: data, Err: err, Msg: fmt.Sprintf(format, args...)}
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func (e *SerializationError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		}
		return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
	}
	p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
	}
	return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
}

// ModelError wraps a failure with the model (and optionally the derived
// table) it occurred in, plus the raw key if known.
type ModelError struct {
	Model *Model
	Table string
	Key   []byte
	Msg   string
	Err   error
}

func modelErrf(mdl *Model, table string, key []byte, err error, format string, args ...any) error {
	return &ModelError{mdl, table, key, fmt.Sprintf(format, args...), err}
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

func (e *ModelError) Error() string {
	var buf strings.Builder
	if e.Model != nil {
		buf.WriteString(e.Model.FullName())
	}
	if e.Table != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Table)
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(hexstr(e.Key))
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// MigrationError reports a failed step of a migration chain with enough
// context to quarantine the record or abort the batch.
type MigrationError struct {
	Family    string
	RecordKey []byte
	AtVersion uint32
	Err       error
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

func (e *MigrationError) Error() string {
	var buf strings.Builder
	buf.WriteString("migration of ")
	buf.WriteString(e.Family)
	if e.RecordKey != nil {
		buf.WriteByte('/')
		buf.WriteString(hexstr(e.RecordKey))
	}
	fmt.Fprintf(&buf, " failed at v%d", e.AtVersion)
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// TransactionError wraps an underlying storage engine failure. It is fatal
// for the current transaction; the caller must abort and retry higher up.
type TransactionError struct {
	Op  string
	Err error
}

func txErrf(op string, err error) error {
	return &TransactionError{Op: op, Err: err}
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failure in %s: %v", e.Op, e.Err)
}
