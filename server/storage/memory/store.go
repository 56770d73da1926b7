// memory based implementation for testing purposes
package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cyp0633/caldora/server/component"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
)

// Store implements storage.Storage interface using in-memory maps
type Store struct {
	mu        sync.RWMutex
	users     map[string]*storage.User
	calendars map[string]*storage.Calendar       // key: userID/calendarID
	objects   map[string]*storage.CalendarObject // key: userID/calendarID/objectID
	engine    *recurrence.Engine
}

// New creates a new in-memory storage. Filters given to ListObjects are
// evaluated with engine, or an uncached default engine when nil.
func New(engine *recurrence.Engine) *Store {
	if engine == nil {
		engine = recurrence.NewEngine()
	}
	return &Store{
		users:     make(map[string]*storage.User),
		calendars: make(map[string]*storage.Calendar),
		objects:   make(map[string]*storage.CalendarObject),
		engine:    engine,
	}
}

func (s *Store) calendarKey(userID, calendarID string) string {
	return fmt.Sprintf("%s/%s", userID, calendarID)
}

func (s *Store) objectKey(userID, calendarID, objectID string) string {
	return fmt.Sprintf("%s/%s/%s", userID, calendarID, objectID)
}

func generateETag(data []byte) string {
	hash := sha1.Sum(data)
	return `"` + hex.EncodeToString(hash[:]) + `"`
}

// User operations

// PutUser adds or replaces a user.
func (s *Store) PutUser(user *storage.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

func (s *Store) GetUser(_ context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "user not found",
		}
	}

	return user, nil
}

// Calendar operations

func (s *Store) GetCalendar(_ context.Context, userID, calendarID string) (*storage.Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cal, ok := s.calendars[s.calendarKey(userID, calendarID)]
	if !ok {
		return nil, &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "calendar not found",
		}
	}

	return cal, nil
}

func (s *Store) CreateCalendar(_ context.Context, cal *storage.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.calendarKey(cal.UserID, cal.ID)
	if _, exists := s.calendars[key]; exists {
		return &storage.Error{
			Type:    storage.ErrAlreadyExists,
			Message: "calendar already exists",
		}
	}

	now := time.Now()
	cal.Created = now
	cal.Modified = now
	s.calendars[key] = cal

	return nil
}

// Calendar object operations

func (s *Store) GetObject(_ context.Context, userID, calendarID, objectID string) (*storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[s.objectKey(userID, calendarID, objectID)]
	if !ok {
		return nil, &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "object not found: " + objectID,
		}
	}

	return obj, nil
}

func (s *Store) ListObjects(_ context.Context, userID, calendarID string, opts *storage.ListOptions) ([]*storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var objects []*storage.CalendarObject
	for _, obj := range s.objects {
		if obj.UserID != userID || obj.CalendarID != calendarID {
			continue
		}
		if opts != nil && opts.Filter != nil {
			ok, err := opts.Filter.MatchesWith(s.engine, obj.ETag, obj.Component())
			if err != nil {
				return nil, &storage.Error{Type: storage.ErrInvalidInput, Message: "evaluate filter on " + obj.ID, Err: err}
			}
			if !ok {
				continue
			}
		}
		objects = append(objects, obj)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })

	return objects, nil
}

// prepare validates the object data against cal and derives its etag and
// type.
func prepare(cal *storage.Calendar, obj *storage.CalendarObject) error {
	if obj.Data == nil {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "object has no calendar data"}
	}
	data, err := storage.EncodeCalendar(obj.Data)
	if err != nil {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "invalid calendar data", Err: err}
	}
	obj.ETag = generateETag([]byte(data))
	obj.ObjectType = component.MainType(obj.Component()).String()
	if !cal.Supports(obj.ObjectType) {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: obj.ObjectType + " not supported by calendar " + cal.ID}
	}
	return nil
}

func (s *Store) CreateObject(_ context.Context, obj *storage.CalendarObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.objectKey(obj.UserID, obj.CalendarID, obj.ID)
	if _, exists := s.objects[key]; exists {
		return &storage.Error{
			Type:    storage.ErrAlreadyExists,
			Message: "object already exists",
		}
	}

	// Verify calendar exists
	cal, exists := s.calendars[s.calendarKey(obj.UserID, obj.CalendarID)]
	if !exists {
		return &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "calendar not found",
		}
	}
	if err := prepare(cal, obj); err != nil {
		return err
	}

	now := time.Now()
	obj.Created = now
	obj.Modified = now
	s.objects[key] = obj
	cal.Modified = now

	return nil
}

func (s *Store) UpdateObject(_ context.Context, obj *storage.CalendarObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.objectKey(obj.UserID, obj.CalendarID, obj.ID)
	old, exists := s.objects[key]
	if !exists {
		return &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "object not found",
		}
	}
	if err := prepare(s.calendars[s.calendarKey(obj.UserID, obj.CalendarID)], obj); err != nil {
		return err
	}

	obj.Created = old.Created
	obj.Modified = time.Now()
	s.objects[key] = obj

	return nil
}

func (s *Store) DeleteObject(_ context.Context, userID, calendarID, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.objectKey(userID, calendarID, objectID)
	if _, exists := s.objects[key]; !exists {
		return &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "object not found",
		}
	}

	delete(s.objects, key)
	return nil
}
