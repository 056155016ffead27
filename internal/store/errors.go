package store

import "errors"

// Sentinel errors returned by Store operations. Callers translate these
// to RPC error codes or the ErrKind taxonomy in internal/opalerr.
var (
	// ErrNotFound is returned by Branch, PathTo and ReplacePathSegment
	// when an id is absent from the store (Get reports absence with a
	// bool instead).
	ErrNotFound = errors.New("store: not found")

	// ErrCorruptHeader is returned by Load when the first line of a
	// session file is not a valid header record.
	ErrCorruptHeader = errors.New("store: corrupt header")

	// ErrCorruptMessage is returned by Load when a message line fails
	// to decode.
	ErrCorruptMessage = errors.New("store: corrupt message")
)
