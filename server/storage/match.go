package storage

import (
	"strconv"
	"strings"
	"time"

	"github.com/cyp0633/caldora/server/component"
	"github.com/cyp0633/caldora/server/period"
	"github.com/cyp0633/caldora/server/recurrence"
)

// Matches reports whether the calendar object satisfies the filter,
// expanding recurrences as far as the filter's time-ranges require. Data
// that cannot be expanded does not match; MatchesWith reports why.
func (f *Filter) Matches(cal component.Component) bool {
	ok, err := f.MatchesWith(recurrence.NewEngine(), "", cal)
	return err == nil && ok
}

// MatchesWith is Matches expanding with engine, whose cache is keyed by tag.
// Expansion errors, such as *recurrence.TooManyInstancesError, are returned.
func (f *Filter) MatchesWith(engine *recurrence.Engine, tag string, cal component.Component) (bool, error) {
	instances, err := f.ExpandWith(engine, tag, cal)
	if err != nil {
		return false, err
	}
	return f.MatchInstances(cal, instances), nil
}

// ExpandWith computes the instances needed to evaluate the filter's
// time-ranges against cal. The list is nil when the filter has no
// time-range. tag is passed to the engine's cache.
func (f *Filter) ExpandWith(engine *recurrence.Engine, tag string, cal component.Component) (*recurrence.InstanceList, error) {
	latest, isStart := f.MaxTimeRange()
	upper, ok := latest.Get()
	if !ok {
		return nil, nil
	}
	if isStart {
		upper = upper.AddDate(0, 0, 365)
	}
	// one day of slack for floating values
	upper = upper.AddDate(0, 0, 1)

	return engine.ExpandCached(tag, cal, upper, nil, true)
}

// MatchInstances evaluates the filter using previously computed instances
// for the time-range tests.
func (f *Filter) MatchInstances(cal component.Component, instances *recurrence.InstanceList) bool {
	if f == nil || f.Child == nil || cal == nil {
		return false
	}
	if !f.Child.HasName(cal.RawName()) {
		return false
	}
	m := matcher{instances: instances, tz: f.Timezone}
	return m.component(f.Child, cal, nil)
}

type matcher struct {
	instances *recurrence.InstanceList
	tz        *time.Location
}

// component evaluates f against c itself. It is always true for
// is-not-defined; the caller negates.
func (m matcher) component(f *ComponentFilter, c, parent component.Component) bool {
	if !f.Defined() {
		return true
	}
	if tr, ok := f.Qualifier.(*TimeRange); ok && !m.componentInRange(tr, c, parent) {
		return false
	}
	if len(f.Components)+len(f.Properties) == 0 {
		return true
	}
	for _, cf := range f.Components {
		if r := m.anyComponent(cf, c); r == (f.Test == TestAnyOf) {
			return r
		}
	}
	for _, pf := range f.Properties {
		if r := m.anyProperty(pf, c); r == (f.Test == TestAnyOf) {
			return r
		}
	}
	return f.Test == TestAllOf
}

// anyComponent is true when some subcomponent of parent matches f,
// inverted for is-not-defined.
func (m matcher) anyComponent(f *ComponentFilter, parent component.Component) bool {
	result := false
	for _, sub := range parent.Subcomponents() {
		if f.HasName(sub.RawName()) && m.component(f, sub, parent) {
			result = true
			break
		}
	}
	return result != !f.Defined()
}

func (m matcher) anyProperty(f *PropertyFilter, c component.Component) bool {
	result := false
	for _, p := range c.Properties(f.Name) {
		if m.property(f, p) {
			result = true
			break
		}
	}
	return result != !f.Defined()
}

func (m matcher) property(f *PropertyFilter, p component.Property) bool {
	if !f.Defined() {
		return true
	}
	switch q := f.Qualifier.(type) {
	case *TextMatch:
		if !q.Match(p.Text()) {
			return false
		}
	case *TimeRange:
		if !m.propertyInRange(q, p) {
			return false
		}
	}
	if len(f.Params) == 0 {
		return true
	}
	for _, pf := range f.Params {
		if r := paramMatches(pf, p); r == (f.Test == TestAnyOf) {
			return r
		}
	}
	return f.Test == TestAllOf
}

func paramMatches(f *ParamFilter, p component.Property) bool {
	result := false
	for _, name := range p.ParamNames() {
		if !strings.EqualFold(name, f.Name) {
			continue
		}
		if tm, ok := f.Qualifier.(*TextMatch); ok && !tm.Match(p.ParamValues(name)...) {
			continue
		}
		result = true
		break
	}
	return result != !f.Defined()
}

// Match tests the values against the text-match. Any matching value
// satisfies it; negate-condition inverts the outcome.
func (tm *TextMatch) Match(values ...string) bool {
	caseless := !tm.CaseSensitive()
	test := tm.Value
	if caseless {
		test = strings.ToLower(test)
	}
	for _, v := range values {
		if caseless {
			v = strings.ToLower(v)
		}
		var ok bool
		switch tm.matchType() {
		case MatchEquals:
			ok = v == test
		case MatchContains:
			ok = strings.Contains(v, test)
		case MatchStartsWith:
			ok = strings.HasPrefix(v, test)
		case MatchEndsWith:
			ok = strings.HasSuffix(v, test)
		}
		if ok {
			return !tm.Negate
		}
	}
	return tm.Negate
}

func (m matcher) resolve(dt component.DateTime) time.Time {
	if dt.Floating {
		return period.ResolveFloating(dt.Time, m.tz)
	}
	return dt.UTC()
}

// componentInRange tests the instances produced by c. A VALARM is tested
// through the trigger times it yields on each instance of its parent.
func (m matcher) componentInRange(tr *TimeRange, c, parent component.Component) bool {
	if m.instances == nil {
		return false
	}
	for _, in := range m.instances.Instances() {
		if c.Name() == component.VAlarm {
			if parent == nil || in.Component != parent {
				continue
			}
			for _, t := range m.alarmTriggers(c, in) {
				if period.Overlaps(&t, &t, tr.Start, tr.End) {
					return true
				}
			}
			continue
		}
		if in.Component != c {
			continue
		}
		s, e := m.resolve(in.Start), m.resolve(in.End)
		if period.Overlaps(&s, &e, tr.Start, tr.End) {
			return true
		}
	}
	return false
}

func (m matcher) propertyInRange(tr *TimeRange, p component.Property) bool {
	dt, err := p.DateTime()
	if err != nil {
		return false
	}
	t := m.resolve(dt)
	return period.Overlaps(&t, &t, tr.Start, tr.End)
}

func (m matcher) alarmTriggers(alarm component.Component, in *recurrence.Instance) []time.Time {
	props := alarm.Properties(component.PropTrigger)
	if len(props) == 0 {
		return nil
	}
	trigger := props[0]

	var first time.Time
	if strings.EqualFold(trigger.Param(component.ParamValue), "DATE-TIME") {
		dt, err := trigger.DateTime()
		if err != nil {
			return nil
		}
		first = m.resolve(dt)
	} else {
		d, err := trigger.Duration()
		if err != nil {
			return nil
		}
		anchor := in.Start
		if strings.EqualFold(trigger.Param(component.ParamRelated), "END") {
			anchor = in.End
		}
		first = m.resolve(anchor).Add(d)
	}

	out := []time.Time{first}
	repeat, _ := strconv.Atoi(alarm.PropertyValue(component.PropRepeat))
	if interval, ok := alarm.Duration(); ok && repeat > 0 {
		for i := 1; i <= repeat; i++ {
			out = append(out, first.Add(time.Duration(i)*interval))
		}
	}
	return out
}
