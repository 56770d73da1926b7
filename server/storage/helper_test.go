package storage

import (
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCalendar(t *testing.T) {
	e := ical.NewEvent()
	e.Props.SetText(ical.PropUID, "test-event-1")
	e.Props.SetText(ical.PropSummary, "Test Event")
	e.Props.SetDateTime(ical.PropDateTimeStart, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	e.Props.SetDateTime(ical.PropDateTimeEnd, time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC))
	cal := ical.NewCalendar()
	cal.Children = append(cal.Children, e.Component)

	got, err := EncodeCalendar(cal)
	require.NoError(t, err)
	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Caldora//Go Calendar//EN",
		"BEGIN:VEVENT",
		"SUMMARY:Test Event",
		"DTSTART:20240101T100000Z",
		"DTEND:20240101T110000Z",
		"UID:test-event-1",
		"DTSTAMP:",
		"END:VEVENT",
		"END:VCALENDAR",
	} {
		assert.Contains(t, got, want)
	}

	_, err = EncodeCalendar(nil)
	assert.Error(t, err)
}

func TestDecodeCalendar(t *testing.T) {
	tests := []struct {
		name    string
		ics     string
		wantUID string
		wantErr bool
	}{
		{
			name: "master and override",
			ics: "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
				"BEGIN:VEVENT\r\nUID:r1\r\nDTSTAMP:20080601T000000Z\r\nDTSTART:20080605T120000Z\r\nDURATION:PT1H\r\nRRULE:FREQ=DAILY;COUNT=3\r\nEND:VEVENT\r\n" +
				"BEGIN:VEVENT\r\nUID:r1\r\nDTSTAMP:20080601T000000Z\r\nRECURRENCE-ID:20080606T120000Z\r\nDTSTART:20080606T150000Z\r\nDURATION:PT1H\r\nEND:VEVENT\r\n" +
				"END:VCALENDAR\r\n",
			wantUID: "r1",
		},
		{
			name: "mixed uids",
			ics: "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
				"BEGIN:VEVENT\r\nUID:a\r\nDTSTAMP:20080601T000000Z\r\nDTSTART:20080605T120000Z\r\nEND:VEVENT\r\n" +
				"BEGIN:VEVENT\r\nUID:b\r\nDTSTAMP:20080601T000000Z\r\nDTSTART:20080605T120000Z\r\nEND:VEVENT\r\n" +
				"END:VCALENDAR\r\n",
			wantErr: true,
		},
		{
			name: "only a timezone",
			ics: "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
				"BEGIN:VTIMEZONE\r\nTZID:UTC\r\nBEGIN:STANDARD\r\nDTSTART:19700101T000000\r\nTZOFFSETFROM:+0000\r\nTZOFFSETTO:+0000\r\nEND:STANDARD\r\nEND:VTIMEZONE\r\n" +
				"END:VCALENDAR\r\n",
			wantErr: true,
		},
		{
			name:    "garbage",
			ics:     "not a calendar",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cal, err := DecodeCalendar(tt.ics)
			if tt.wantErr {
				require.Error(t, err)
				var serr *Error
				assert.ErrorAs(t, err, &serr)
				assert.Equal(t, ErrInvalidInput, serr.Type)
				return
			}
			require.NoError(t, err)
			obj := &CalendarObject{Data: cal}
			assert.Equal(t, tt.wantUID, obj.UID())
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	nf := &Error{Type: ErrNotFound, Message: "gone"}
	assert.True(t, IsNotFound(nf))
	assert.False(t, IsConflict(nf))
	assert.ErrorIs(t, nf, &Error{Type: ErrNotFound})
	assert.True(t, IsConflict(&Error{Type: ErrAlreadyExists}))
	assert.Equal(t, "not_found: gone", nf.Error())
}

func TestCalendarLocation(t *testing.T) {
	owner := &User{ID: "user01", Timezone: "Asia/Shanghai"}
	tests := []struct {
		name  string
		cal   *Calendar
		owner *User
		want  string
	}{
		{"owner zone", &Calendar{}, owner, "Asia/Shanghai"},
		{"calendar zone", &Calendar{TimeZone: "Europe/Berlin"}, owner, "Europe/Berlin"},
		{"unknown calendar zone", &Calendar{TimeZone: "Mars/Olympus"}, owner, "Asia/Shanghai"},
		{"no owner", &Calendar{}, nil, "UTC"},
		{"no calendar", nil, owner, "Asia/Shanghai"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cal.Location(tt.owner).String())
		})
	}

	assert.True(t, (&Calendar{}).Supports("VTODO"))
	assert.False(t, (&Calendar{Components: []string{"VEVENT"}}).Supports("VTODO"))
}
