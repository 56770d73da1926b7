package index

import (
	"errors"
	"fmt"

	"github.com/cyp0633/caldora/server/storage"
)

// ErrSyncTokenInvalid is returned by WhatChanged when the requested revision
// predates pruned history. The client has to resynchronize from scratch.
var ErrSyncTokenInvalid = errors.New("sync token predates retained revision history")

// ReservationError reports a UID that is already reserved, or an attempt to
// release a UID that was never reserved.
type ReservationError struct {
	UID        string
	Collection string
	Reserved   bool
}

func (e *ReservationError) Error() string {
	if e.Reserved {
		return fmt.Sprintf("uid %q already reserved in %s", e.UID, e.Collection)
	}
	return fmt.Sprintf("uid %q is not reserved in %s", e.UID, e.Collection)
}

// Unwrap exposes the error as a storage conflict.
func (e *ReservationError) Unwrap() error {
	return &storage.Error{Type: storage.ErrConflict, Message: "uid reservation"}
}

// InternalDataStoreError means the backing object of an index row could not
// be read for a reason other than it being gone.
type InternalDataStoreError struct {
	Name string
	Err  error
}

func (e *InternalDataStoreError) Error() string {
	return fmt.Sprintf("data store failure reading %s: %v", e.Name, e.Err)
}

func (e *InternalDataStoreError) Unwrap() error { return e.Err }
