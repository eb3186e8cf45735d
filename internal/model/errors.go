package model

import (
	"errors"
	"fmt"
)

// NotFoundError reports that a referenced record does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsNotFound reports whether err (or any error in its chain) is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// RecordError describes one malformed row or feature inside a batch. It is
// counted and logged by the adapter that produced it, never returned upward.
type RecordError struct {
	Source Source
	Index  int
	Reason string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s record %d: %s", e.Source, e.Index, e.Reason)
}
