package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload means the frame could not be read as a count mapping.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidCount means an entry's value is not a non-negative integer.
	ErrInvalidCount = errors.New("invalid count")

	// ErrUnknownSite means an entry names a site that is not in the catalog.
	ErrUnknownSite = errors.New("unknown site")
)

// EntryError is a rejection of a single entry within an otherwise usable frame.
type EntryError struct {
	Site string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("site %q: %v", e.Site, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }
