package component

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// icalComponent adapts *ical.Component to Component. It is a value type
// holding only the pointer so that two wraps of the same component compare
// equal.
type icalComponent struct {
	c *ical.Component
}

// Wrap returns the Component view of c, or nil for a nil c.
func Wrap(c *ical.Component) Component {
	if c == nil {
		return nil
	}
	return icalComponent{c: c}
}

// WrapCalendar returns the Component view of a parsed calendar.
func WrapCalendar(cal *ical.Calendar) Component {
	if cal == nil {
		return nil
	}
	return Wrap(cal.Component)
}

// Unwrap returns the underlying go-ical component when c was produced by Wrap.
func Unwrap(c Component) (*ical.Component, bool) {
	ic, ok := c.(icalComponent)
	if !ok {
		return nil, false
	}
	return ic.c, true
}

// Parse decodes the first calendar in data.
func Parse(data string) (Component, error) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, err
	}
	return WrapCalendar(cal), nil
}

func (c icalComponent) Name() Name      { return ParseName(c.c.Name) }
func (c icalComponent) RawName() string { return c.c.Name }
func (c icalComponent) UID() string     { return c.PropertyValue(PropUID) }

func (c icalComponent) Subcomponents() []Component {
	out := make([]Component, 0, len(c.c.Children))
	for _, child := range c.c.Children {
		out = append(out, icalComponent{c: child})
	}
	return out
}

func (c icalComponent) Properties(name string) []Property {
	props := c.c.Props[strings.ToUpper(name)]
	out := make([]Property, 0, len(props))
	for _, p := range props {
		out = append(out, convertProp(p))
	}
	return out
}

func (c icalComponent) AllProperties() []Property {
	names := make([]string, 0, len(c.c.Props))
	for name := range c.c.Props {
		names = append(names, name)
	}
	slices.Sort(names)

	var out []Property
	for _, name := range names {
		for _, p := range c.c.Props[name] {
			out = append(out, convertProp(p))
		}
	}
	return out
}

func (c icalComponent) HasProperty(name string) bool {
	return len(c.c.Props[strings.ToUpper(name)]) > 0
}

func (c icalComponent) PropertyValue(name string) string {
	props := c.c.Props[strings.ToUpper(name)]
	if len(props) == 0 {
		return ""
	}
	return props[0].Value
}

func (c icalComponent) DateProperty(name string) (DateTime, bool) {
	props := c.c.Props[strings.ToUpper(name)]
	if len(props) == 0 {
		return DateTime{}, false
	}
	dt, err := convertProp(props[0]).DateTime()
	if err != nil {
		return DateTime{}, false
	}
	return dt, true
}

func (c icalComponent) Start() (DateTime, bool) { return c.DateProperty(PropDTStart) }
func (c icalComponent) Due() (DateTime, bool)   { return c.DateProperty(PropDue) }

func (c icalComponent) RecurrenceID() (DateTime, bool) {
	return c.DateProperty(PropRecurrenceID)
}

func (c icalComponent) Duration() (time.Duration, bool) {
	props := c.c.Props[PropDuration]
	if len(props) == 0 {
		return 0, false
	}
	d, err := convertProp(props[0]).Duration()
	if err != nil {
		return 0, false
	}
	return d, true
}

func (c icalComponent) End() (DateTime, bool) {
	if end, ok := c.DateProperty(PropDTEnd); ok {
		return end, true
	}
	start, ok := c.Start()
	if !ok {
		return DateTime{}, false
	}
	d, ok := c.Duration()
	if !ok {
		return DateTime{}, false
	}
	return start.Add(d), true
}

func (c icalComponent) RecurrenceRange() Range {
	props := c.c.Props[PropRecurrenceID]
	if len(props) == 0 {
		return RangeNone
	}
	if strings.EqualFold(convertProp(props[0]).Param(ParamRange), "THISANDFUTURE") {
		return RangeThisAndFuture
	}
	return RangeNone
}

func (c icalComponent) RecurrenceSet() (RecurrenceSet, error) {
	if !c.HasProperty(PropRRule) && !c.HasProperty(PropRDate) {
		return nil, nil
	}
	start, ok := c.Start()
	if !ok {
		return nil, fmt.Errorf("%s %q: recurrence without DTSTART", c.c.Name, c.UID())
	}
	return newRuleSet(start, c.Properties(PropRRule), c.Properties(PropRDate), c.Properties(PropExDate))
}

func convertProp(p ical.Prop) Property {
	return Property{Name: p.Name, Value: p.Value, Params: p.Params}
}
