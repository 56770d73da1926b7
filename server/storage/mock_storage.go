package storage

import (
	"context"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/mock"
)

// MockStorage implements the Storage interface for testing
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) GetUser(ctx context.Context, userID string) (*User, error) {
	args := m.Called(ctx, userID)
	user, _ := args.Get(0).(*User)
	return user, args.Error(1)
}

func (m *MockStorage) GetCalendar(ctx context.Context, userID, calendarID string) (*Calendar, error) {
	args := m.Called(ctx, userID, calendarID)
	cal, _ := args.Get(0).(*Calendar)
	return cal, args.Error(1)
}

func (m *MockStorage) CreateCalendar(ctx context.Context, cal *Calendar) error {
	return m.Called(ctx, cal).Error(0)
}

func (m *MockStorage) GetObject(ctx context.Context, userID, calendarID, objectID string) (*CalendarObject, error) {
	args := m.Called(ctx, userID, calendarID, objectID)
	obj, _ := args.Get(0).(*CalendarObject)
	return obj, args.Error(1)
}

func (m *MockStorage) ListObjects(ctx context.Context, userID, calendarID string, opts *ListOptions) ([]*CalendarObject, error) {
	args := m.Called(ctx, userID, calendarID, opts)
	objs, _ := args.Get(0).([]*CalendarObject)
	return objs, args.Error(1)
}

func (m *MockStorage) CreateObject(ctx context.Context, obj *CalendarObject) error {
	return m.Called(ctx, obj).Error(0)
}

func (m *MockStorage) UpdateObject(ctx context.Context, obj *CalendarObject) error {
	return m.Called(ctx, obj).Error(0)
}

func (m *MockStorage) DeleteObject(ctx context.Context, userID, calendarID, objectID string) error {
	return m.Called(ctx, userID, calendarID, objectID).Error(0)
}

// --- Helper methods for creating test data ---

// NewMockEvent creates a test calendar object holding one VEVENT
func NewMockEvent(id, uid, summary string, start, end time.Time) *CalendarObject {
	event := ical.NewComponent(ical.CompEvent)
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetText(ical.PropSummary, summary)
	event.Props.SetDateTime(ical.PropDateTimeStamp, start)
	event.Props.SetDateTime(ical.PropDateTimeStart, start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, end)
	return newMockObject(id, event)
}

// NewMockTodo creates a test calendar object holding one VTODO
func NewMockTodo(id, uid, summary string, due time.Time) *CalendarObject {
	todo := ical.NewComponent(ical.CompToDo)
	todo.Props.SetText(ical.PropUID, uid)
	todo.Props.SetText(ical.PropSummary, summary)
	todo.Props.SetDateTime(ical.PropDateTimeStamp, due)
	todo.Props.SetDateTime(ical.PropDue, due)
	return newMockObject(id, todo)
}

func newMockObject(id string, comp *ical.Component) *CalendarObject {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, comp)
	return &CalendarObject{
		ID:         id,
		ETag:       "etag-" + id + "-1",
		ObjectType: comp.Name,
		Modified:   time.Now(),
		Data:       cal,
	}
}
