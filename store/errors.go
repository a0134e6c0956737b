package store

import "github.com/pkg/errors"

// Sentinel errors for the two failure classes the store surfaces. Drivers
// wrap these with pkg/errors so callers can match with errors.Is while the
// wrapped chain keeps the driver-level cause.
var (
	// ErrStorageUnavailable means the durable medium could not be opened or
	// an I/O operation against it failed. Fatal to the current call only;
	// the caller may retry later.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound means an id-keyed lookup missed.
	ErrNotFound = errors.New("entity not found")
)

// IsNotFound reports whether err is (or wraps) an entity-miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
