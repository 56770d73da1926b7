// Package component defines the capability the scheduling engine needs from
// an iCalendar object model, plus an implementation backed by go-ical.
package component

import (
	"fmt"
	"strings"
	"time"

	"github.com/cyp0633/caldora/server/period"
	"github.com/emersion/go-ical"
)

// Property and parameter names used across the engine.
const (
	PropUID          = "UID"
	PropDTStart      = "DTSTART"
	PropDTEnd        = "DTEND"
	PropDue          = "DUE"
	PropDuration     = "DURATION"
	PropRecurrenceID = "RECURRENCE-ID"
	PropRRule        = "RRULE"
	PropRDate        = "RDATE"
	PropExDate       = "EXDATE"
	PropCreated      = "CREATED"
	PropCompleted    = "COMPLETED"
	PropStatus       = "STATUS"
	PropTransp       = "TRANSP"
	PropOrganizer    = "ORGANIZER"
	PropAttendee     = "ATTENDEE"
	PropFreeBusy     = "FREEBUSY"
	PropBusyType     = "BUSYTYPE"
	PropTrigger      = "TRIGGER"
	PropRepeat       = "REPEAT"
	PropPerUserUID   = "X-CALENDARSERVER-PERUSER-UID"

	ParamTZID    = "TZID"
	ParamValue   = "VALUE"
	ParamRange   = "RANGE"
	ParamFBType  = "FBTYPE"
	ParamRelated = "RELATED"
)

// Range is the RANGE parameter of a RECURRENCE-ID.
type Range int

const (
	RangeNone Range = iota
	RangeThisAndFuture
)

// Component is the read-only view of an iCalendar component the engine
// works against. Implementations must be comparable with == so that
// instances can be attributed back to the component that produced them.
type Component interface {
	Name() Name
	// RawName is the name as written, useful for X- components.
	RawName() string
	UID() string
	Subcomponents() []Component
	Properties(name string) []Property
	AllProperties() []Property
	HasProperty(name string) bool
	// PropertyValue returns the raw value of the first property called name,
	// or "" when absent.
	PropertyValue(name string) string

	Start() (DateTime, bool)
	// End returns DTEND, or DTSTART+DURATION when only a duration is given.
	End() (DateTime, bool)
	Due() (DateTime, bool)
	Duration() (time.Duration, bool)
	DateProperty(name string) (DateTime, bool)
	RecurrenceID() (DateTime, bool)
	RecurrenceRange() Range
	// RecurrenceSet returns a nil set when the component has no RRULE or RDATE.
	RecurrenceSet() (RecurrenceSet, error)
}

// DateTime is a parsed DATE or DATE-TIME value.
type DateTime struct {
	// Time holds the value in its own zone. Floating and DATE values are
	// kept as wall-clock times labelled UTC.
	Time     time.Time
	Floating bool
	DateOnly bool
}

// UTC returns the instant in UTC; floating values keep their wall clock.
func (d DateTime) UTC() time.Time {
	return d.Time.UTC()
}

// Add shifts the value, keeping its zone and kind.
func (d DateTime) Add(dur time.Duration) DateTime {
	d.Time = d.Time.Add(dur)
	return d
}

// Key is the textual form used to key instances by recurrence id.
func (d DateTime) Key() string {
	switch {
	case d.DateOnly:
		return d.Time.Format("20060102")
	case d.Floating:
		return d.Time.Format("20060102T150405")
	default:
		return d.Time.UTC().Format("20060102T150405Z")
	}
}

// Property is a copy of one content line.
type Property struct {
	Name   string
	Value  string
	Params map[string][]string
}

// Param returns the first value of a parameter, matched case-insensitively.
func (p Property) Param(name string) string {
	for k, v := range p.Params {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// ParamValues returns every value of a parameter.
func (p Property) ParamValues(name string) []string {
	var out []string
	for k, v := range p.Params {
		if strings.EqualFold(k, name) {
			out = append(out, v...)
		}
	}
	return out
}

// Text returns the value with TEXT escapes removed.
func (p Property) Text() string {
	if !strings.Contains(p.Value, `\`) {
		return p.Value
	}
	return textUnescaper.Replace(p.Value)
}

var textUnescaper = strings.NewReplacer(`\\`, `\`, `\;`, ";", `\,`, ",", `\n`, "\n", `\N`, "\n")

// ParamNames lists the parameter names present on the property.
func (p Property) ParamNames() []string {
	names := make([]string, 0, len(p.Params))
	for k := range p.Params {
		names = append(names, strings.ToUpper(k))
	}
	return names
}

// DateTime parses the value as DATE or DATE-TIME.
func (p Property) DateTime() (DateTime, error) {
	return parseDateTime(p.Value, p.Param(ParamValue), p.Param(ParamTZID))
}

// DateTimes parses a comma separated list of DATE or DATE-TIME values, as
// found in RDATE and EXDATE. PERIOD values contribute their start.
func (p Property) DateTimes() ([]DateTime, error) {
	var out []DateTime
	for _, v := range strings.Split(p.Value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if i := strings.IndexByte(v, '/'); i >= 0 {
			v = v[:i]
		}
		dt, err := parseDateTime(v, p.Param(ParamValue), p.Param(ParamTZID))
		if err != nil {
			return nil, fmt.Errorf("parse %s value %q: %w", p.Name, v, err)
		}
		out = append(out, dt)
	}
	return out, nil
}

// Duration parses the value as an iCalendar DURATION.
func (p Property) Duration() (time.Duration, error) {
	return parseDuration(p.Value)
}

// Periods parses a FREEBUSY style list of PERIOD values. Each period is
// either start/end or start/duration; the latter is flagged UseDuration.
func (p Property) Periods() ([]period.Period, error) {
	var out []period.Period
	for _, v := range strings.Split(p.Value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		startStr, endStr, ok := strings.Cut(v, "/")
		if !ok {
			return nil, fmt.Errorf("period %q: missing '/'", v)
		}
		start, err := parseDateTime(startStr, "", "")
		if err != nil {
			return nil, fmt.Errorf("period %q: %w", v, err)
		}
		pd := period.Period{Start: start.UTC(), Floating: start.Floating}
		if strings.HasPrefix(strings.TrimLeft(endStr, "+-"), "P") {
			d, err := parseDuration(endStr)
			if err != nil {
				return nil, fmt.Errorf("period %q: %w", v, err)
			}
			pd.End = pd.Start.Add(d)
			pd.UseDuration = true
		} else {
			end, err := parseDateTime(endStr, "", "")
			if err != nil {
				return nil, fmt.Errorf("period %q: %w", v, err)
			}
			pd.End = end.UTC()
		}
		out = append(out, pd)
	}
	return out, nil
}

func parseDateTime(value, valueType, tzid string) (DateTime, error) {
	value = strings.TrimSpace(value)
	if strings.EqualFold(valueType, string(ical.ValueDate)) || len(value) == 8 {
		t, err := time.ParseInLocation("20060102", value, time.UTC)
		if err != nil {
			return DateTime{}, err
		}
		return DateTime{Time: t, Floating: true, DateOnly: true}, nil
	}
	if strings.HasSuffix(value, "Z") {
		t, err := time.ParseInLocation("20060102T150405Z", value, time.UTC)
		if err != nil {
			return DateTime{}, err
		}
		return DateTime{Time: t}, nil
	}
	if tzid != "" {
		if loc, err := time.LoadLocation(strings.TrimPrefix(tzid, "/")); err == nil {
			t, err := time.ParseInLocation("20060102T150405", value, loc)
			if err != nil {
				return DateTime{}, err
			}
			return DateTime{Time: t}, nil
		}
	}
	t, err := time.ParseInLocation("20060102T150405", value, time.UTC)
	if err != nil {
		return DateTime{}, err
	}
	return DateTime{Time: t, Floating: true}, nil
}

func parseDuration(value string) (time.Duration, error) {
	prop := ical.NewProp(PropDuration)
	prop.Value = strings.TrimSpace(value)
	return prop.Duration()
}
