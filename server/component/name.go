package component

import "strings"

// Name is the closed set of component kinds the engine understands.
type Name int

const (
	Unknown Name = iota
	VCalendar
	VEvent
	VTodo
	VJournal
	VFreeBusy
	VAvailability
	Available
	VAlarm
	VTimezone
	PerUser
	PerInstance
)

var nameStrings = [...]string{
	Unknown:       "",
	VCalendar:     "VCALENDAR",
	VEvent:        "VEVENT",
	VTodo:         "VTODO",
	VJournal:      "VJOURNAL",
	VFreeBusy:     "VFREEBUSY",
	VAvailability: "VAVAILABILITY",
	Available:     "AVAILABLE",
	VAlarm:        "VALARM",
	VTimezone:     "VTIMEZONE",
	PerUser:       "X-CALENDARSERVER-PERUSER",
	PerInstance:   "X-CALENDARSERVER-PERINSTANCE",
}

// ParseName maps an iCalendar component name onto Name. Unrecognised names
// (including X- components other than the per-user ones) map to Unknown.
func ParseName(s string) Name {
	s = strings.ToUpper(strings.TrimSpace(s))
	for n, str := range nameStrings {
		if str != "" && str == s {
			return Name(n)
		}
	}
	return Unknown
}

// String returns the iCalendar spelling of the name.
func (n Name) String() string {
	if n < 0 || int(n) >= len(nameStrings) {
		return ""
	}
	return nameStrings[n]
}

// EventLike reports whether components of this kind are expanded through
// their recurrence set.
func (n Name) EventLike() bool {
	switch n {
	case VEvent, VTodo, Available:
		return true
	default:
		return false
	}
}

// Scheduling reports whether the component is one of the top-level kinds
// stored as a calendar resource.
func (n Name) Scheduling() bool {
	switch n {
	case VEvent, VTodo, VJournal, VFreeBusy, VAvailability:
		return true
	default:
		return false
	}
}
