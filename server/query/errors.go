package query

import "errors"

// ErrIndexedSearch marks filters the index cannot evaluate. Callers fall
// back to matching every resource in memory.
var ErrIndexedSearch = errors.New("filter not supported by index")

// IndexedSearchError describes why a filter could not be compiled.
type IndexedSearchError struct {
	Reason string
}

func (e *IndexedSearchError) Error() string {
	return ErrIndexedSearch.Error() + ": " + e.Reason
}

func (e *IndexedSearchError) Is(target error) bool { return target == ErrIndexedSearch }

func unsupported(reason string) error {
	return &IndexedSearchError{Reason: reason}
}
