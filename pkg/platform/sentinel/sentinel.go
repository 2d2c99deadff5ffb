package sentinel

import "errors"

// Sentinel errors for storage and infrastructure facts. Stores return these
// (optionally wrapped) and services translate them into domain errors:
//   - ErrNotFound: record does not exist
//   - ErrConflict: compare-and-update lost against a newer version
//   - ErrAlreadyExists: create hit an existing key
//   - ErrLocked: a distributed lock is held by another worker
//   - ErrUnavailable: backing service temporarily unreachable
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("version conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrLocked        = errors.New("locked")
	ErrUnavailable   = errors.New("unavailable")
)
