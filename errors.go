package quiver

import (
	"errors"

	"github.com/quiverdb/quiver/internal/betree"
	"github.com/quiverdb/quiver/internal/msgbuf"
)

var (
	// ErrNotFound is returned when the requested identity does not exist or
	// its newest version is a tombstone.
	ErrNotFound = errors.New("vector not found")

	// ErrAlreadyExists is returned by Insert when a live version of the
	// identity already exists. Use Upsert to overwrite.
	ErrAlreadyExists = errors.New("vector already exists")

	// ErrClosed is returned by Insert, Upsert, Delete, Get and Flush after
	// Close, and by a second Close. Exists reports false and ScanForQuery
	// returns nil on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrEmptyID is returned when a write carries an empty identifier.
	ErrEmptyID = errors.New("empty vector id")

	// ErrEmptyVector is returned when an insert or upsert carries no vector
	// payload.
	ErrEmptyVector = errors.New("empty vector payload")

	// ErrBufferFull surfaces a write that timed out waiting for buffer
	// space. The write is not applied and may be retried.
	ErrBufferFull = msgbuf.ErrBufferFull

	// ErrInvariantViolation signals corrupted engine state. The engine must
	// be closed and recovered.
	ErrInvariantViolation = betree.ErrInvariantViolation
)
