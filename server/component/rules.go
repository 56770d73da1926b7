package component

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// RecurrenceSet produces the ordered start times of a recurring component.
type RecurrenceSet interface {
	// Iterate calls each for every start strictly before until, in order,
	// stopping early when each returns false. It reports whether further
	// starts exist at or after until.
	Iterate(until time.Time, each func(DateTime) bool) (more bool)
	// Unbounded is true when an RRULE has neither COUNT nor UNTIL.
	Unbounded() bool
}

type ruleSet struct {
	start     DateTime
	set       *rrule.Set
	exdates   []DateTime
	unbounded bool
}

func newRuleSet(start DateTime, rules, rdates, exdates []Property) (RecurrenceSet, error) {
	rs := &ruleSet{start: start, set: &rrule.Set{}}
	rs.set.DTStart(start.Time)

	for _, p := range rules {
		opt, err := rrule.StrToROptionInLocation(p.Value, start.Time.Location())
		if err != nil {
			return nil, fmt.Errorf("parse RRULE %q: %w", p.Value, err)
		}
		opt.Dtstart = start.Time
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("build RRULE %q: %w", p.Value, err)
		}
		if opt.Count == 0 && opt.Until.IsZero() {
			rs.unbounded = true
		}
		rs.set.RRule(r)
		// DTSTART is always the first instance even if the rule skips it.
		rs.set.RDate(start.Time)
	}
	for _, p := range rdates {
		dts, err := p.DateTimes()
		if err != nil {
			return nil, err
		}
		for _, dt := range dts {
			rs.set.RDate(dt.Time)
		}
	}
	for _, p := range exdates {
		dts, err := p.DateTimes()
		if err != nil {
			return nil, err
		}
		rs.exdates = append(rs.exdates, dts...)
	}
	return rs, nil
}

func (rs *ruleSet) Unbounded() bool { return rs.unbounded }

func (rs *ruleSet) Iterate(until time.Time, each func(DateTime) bool) bool {
	next := rs.set.Iterator()
	for {
		t, ok := next()
		if !ok {
			return false
		}
		dt := DateTime{Time: t, Floating: rs.start.Floating, DateOnly: rs.start.DateOnly}
		if !dt.UTC().Before(until) {
			return true
		}
		if rs.excluded(dt) {
			continue
		}
		if !each(dt) {
			return true
		}
	}
}

// excluded matches EXDATEs exactly, or by calendar date for DATE values.
func (rs *ruleSet) excluded(dt DateTime) bool {
	for _, ex := range rs.exdates {
		if dt.Time.Equal(ex.Time) {
			return true
		}
		if ex.DateOnly {
			y, m, d := dt.Time.Date()
			if time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Equal(ex.Time) {
				return true
			}
		}
	}
	return false
}

// RecurrenceSetAt builds the recurrence set of c anchored at start rather
// than DTSTART, as needed for a VTODO that only has a DUE. It returns a nil
// set when c has no RRULE or RDATE.
func RecurrenceSetAt(c Component, start DateTime) (RecurrenceSet, error) {
	if !c.HasProperty(PropRRule) && !c.HasProperty(PropRDate) {
		return nil, nil
	}
	return newRuleSet(start, c.Properties(PropRRule), c.Properties(PropRDate), c.Properties(PropExDate))
}
