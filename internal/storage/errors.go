// Package storage defines the durable store contract shared by every
// backend (SQLite, Postgres, in-memory). See storefactory for the
// profile-based factory that selects between them.
package storage

import "fmt"

// ErrInvalidProfile is returned when the configured deployment profile has
// no matching backend.
type ErrInvalidProfile struct {
	Profile string
	Cause   error
}

func (e *ErrInvalidProfile) Error() string {
	return fmt.Sprintf("storage: invalid profile %q: %v", e.Profile, e.Cause)
}

func (e *ErrInvalidProfile) Unwrap() error { return e.Cause }

// ErrStorageInitFailed wraps a backend's failure to initialize, the signal
// that tells the caller to fall back to the in-memory store.
type ErrStorageInitFailed struct {
	Backend string
	Profile string
	Cause   error
}

func (e *ErrStorageInitFailed) Error() string {
	return fmt.Sprintf("storage: %s backend init failed for profile %s: %v", e.Backend, e.Profile, e.Cause)
}

func (e *ErrStorageInitFailed) Unwrap() error { return e.Cause }

// ErrInvalidFilePath is returned when a configured SQLite path fails
// validation (path traversal, forbidden system directory).
type ErrInvalidFilePath struct {
	Path   string
	Reason string
}

func (e *ErrInvalidFilePath) Error() string {
	return fmt.Sprintf("storage: invalid file path %q: %s", e.Path, e.Reason)
}

// ErrConnectionFailed wraps a connection-level failure from the backend
// driver.
type ErrConnectionFailed struct {
	Backend string
	Cause   error
}

func (e *ErrConnectionFailed) Error() string {
	return fmt.Sprintf("storage: %s connection failed: %v", e.Backend, e.Cause)
}

func (e *ErrConnectionFailed) Unwrap() error { return e.Cause }

// ErrSchemaInitFailed wraps a migration/schema-creation failure.
type ErrSchemaInitFailed struct {
	Backend string
	Cause   error
}

func (e *ErrSchemaInitFailed) Error() string {
	return fmt.Sprintf("storage: %s schema init failed: %v", e.Backend, e.Cause)
}

func (e *ErrSchemaInitFailed) Unwrap() error { return e.Cause }

// ErrNotFound is returned when a lookup by id finds no row.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("storage: %s %q not found", e.Kind, e.ID)
}

// ErrVersionConflict is returned by optimistic-concurrency writes when the
// caller's BaseVersion no longer matches the stored version.
type ErrVersionConflict struct {
	Kind string
	ID   string
}

func (e *ErrVersionConflict) Error() string {
	return fmt.Sprintf("storage: %s %q version conflict", e.Kind, e.ID)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// IsVersionConflict reports whether err is an ErrVersionConflict.
func IsVersionConflict(err error) bool {
	_, ok := err.(*ErrVersionConflict)
	return ok
}
