package ftrstore

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a trace doesn't exist.
	ErrNotFound = errors.New("trace not found")

	// ErrConflict is returned when saving a trace whose ID already exists.
	ErrConflict = errors.New("trace already exists")

	// ErrTimeout is returned when a write couldn't acquire the database lock
	// within the busy timeout.
	ErrTimeout = errors.New("database busy timeout")

	// ErrTooBig is returned when a trace exceeds the maximum blob size.
	ErrTooBig = errors.New("trace too big")
)

func sqliteCode(err error) (sqlite3.ErrNo, bool) {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code, true
}

func isBusy(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.ErrBusy || code == sqlite3.ErrLocked)
}

func isConstraint(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code == sqlite3.ErrConstraint
}

func isTooBig(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code == sqlite3.ErrTooBig
}
