package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora/server/component"
)

// Error types
type ErrorType string

const (
	ErrNotFound      ErrorType = "not_found"
	ErrAlreadyExists ErrorType = "already_exists"
	ErrInvalidInput  ErrorType = "invalid_input"
	ErrConflict      ErrorType = "conflict"
)

// Error represents a storage-related error
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on the error type alone, e.g.
// errors.Is(err, &Error{Type: ErrNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}

// IsNotFound reports whether err is a storage error of type ErrNotFound.
func IsNotFound(err error) bool { return hasType(err, ErrNotFound) }

// IsConflict reports whether err is a storage error of type ErrConflict or
// ErrAlreadyExists.
func IsConflict(err error) bool {
	return hasType(err, ErrConflict) || hasType(err, ErrAlreadyExists)
}

func hasType(err error, t ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}

// User represents a calendar user
type User struct {
	ID string
	// Calendar user address, e.g. mailto:alice@example.com. Used to decide
	// whether the user organizes an event.
	Address string
	// IANA timezone name used for floating times, e.g. Asia/Shanghai
	Timezone string
}

// Location resolves the user's timezone, falling back to UTC.
func (u *User) Location() *time.Location {
	if u == nil {
		return time.UTC
	}
	return loadLocation(u.Timezone, time.UTC)
}

// Calendar represents a calendar collection
type Calendar struct {
	ID     string
	UserID string
	Name   string
	// TimeZone overrides the owner's timezone for floating times.
	TimeZone   string
	Components []string // Supported component types (VEVENT, VTODO, etc.)
	// Schedule marks an inbox/outbox style collection where UIDs need not be
	// unique.
	Schedule bool
	Created  time.Time
	Modified time.Time
}

// Location is the timezone floating times in the calendar resolve to: its
// own when set, otherwise the owner's.
func (c *Calendar) Location(owner *User) *time.Location {
	if c == nil {
		return owner.Location()
	}
	return loadLocation(c.TimeZone, owner.Location())
}

// Supports reports whether objects of the given main component type may be
// stored in the calendar. An empty Components list allows every type.
func (c *Calendar) Supports(objectType string) bool {
	return c == nil || len(c.Components) == 0 || slices.Contains(c.Components, objectType)
}

func loadLocation(name string, fallback *time.Location) *time.Location {
	if name == "" {
		return fallback
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback
	}
	return loc
}

// CalendarObject represents a calendar object resource. Data holds the whole
// VCALENDAR: the master component, its overrides and any VTIMEZONEs.
type CalendarObject struct {
	ID         string // resource name, e.g. "meeting.ics"
	CalendarID string
	UserID     string
	ETag       string
	ObjectType string // VEVENT, VTODO, etc.
	Created    time.Time
	Modified   time.Time
	Data       *ical.Calendar
}

// Component exposes the object's data through the component capability.
func (o *CalendarObject) Component() component.Component {
	if o == nil || o.Data == nil {
		return nil
	}
	return component.WrapCalendar(o.Data)
}

// UID of the object's scheduling components.
func (o *CalendarObject) UID() string {
	c := o.Component()
	if c == nil {
		return ""
	}
	return component.ResourceUID(c)
}

// ListOptions provides options for listing calendar objects
type ListOptions struct {
	// Filter is evaluated against each object when set.
	Filter *Filter
}

// Storage is the interface that must be implemented by storage backends
type Storage interface {
	// User operations
	GetUser(ctx context.Context, userID string) (*User, error)

	// Calendar operations
	GetCalendar(ctx context.Context, userID, calendarID string) (*Calendar, error)
	CreateCalendar(ctx context.Context, cal *Calendar) error

	// Calendar object operations
	GetObject(ctx context.Context, userID, calendarID, objectID string) (*CalendarObject, error)
	ListObjects(ctx context.Context, userID, calendarID string, opts *ListOptions) ([]*CalendarObject, error)
	CreateObject(ctx context.Context, obj *CalendarObject) error
	UpdateObject(ctx context.Context, obj *CalendarObject) error
	DeleteObject(ctx context.Context, userID, calendarID, objectID string) error
}
