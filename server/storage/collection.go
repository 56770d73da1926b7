package storage

import (
	"context"
	"sort"

	"github.com/cyp0633/caldora/server/component"
)

// Collection is the read side of one calendar collection as seen by the
// index and the free-busy aggregator: resources are addressed by name.
type Collection interface {
	// Object returns the resource's calendar data. A missing resource is
	// reported with an ErrNotFound storage error.
	Object(name string) (component.Component, error)
	// Names lists every resource name in the collection.
	Names() ([]string, error)
}

// StorageCollection adapts a Storage calendar to Collection.
type StorageCollection struct {
	ctx        context.Context
	store      Storage
	userID     string
	calendarID string
}

// NewCollection returns a Collection view over a calendar of store. ctx is
// used for every backend call.
func NewCollection(ctx context.Context, store Storage, userID, calendarID string) *StorageCollection {
	return &StorageCollection{ctx: ctx, store: store, userID: userID, calendarID: calendarID}
}

func (c *StorageCollection) Object(name string) (component.Component, error) {
	obj, err := c.store.GetObject(c.ctx, c.userID, c.calendarID, name)
	if err != nil {
		return nil, err
	}
	comp := obj.Component()
	if comp == nil {
		return nil, &Error{Type: ErrNotFound, Message: "object has no calendar data: " + name}
	}
	return comp, nil
}

func (c *StorageCollection) Names() ([]string, error) {
	objs, err := c.store.ListObjects(c.ctx, c.userID, c.calendarID, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(objs))
	for _, o := range objs {
		names = append(names, o.ID)
	}
	sort.Strings(names)
	return names, nil
}
