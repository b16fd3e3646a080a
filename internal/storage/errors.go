package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested subject does not exist.
var ErrNotFound = errors.New("storage: not found")

// ConflictError is returned by Set when the supplied etag no longer
// matches the stored record. Current carries the etag actually stored,
// so a caller that wants to retry can read-and-retry without a second
// round trip to discover what it should have compared against.
type ConflictError struct {
	Current string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("storage: conflict: current etag is %q", e.Current)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
