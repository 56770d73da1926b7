// Package period implements the small amount of interval algebra needed by
// the index and free-busy code: overlap tests, clipping, merging and the
// floating-time adjustments used to compare floating and fixed instants.
package period

import (
	"slices"
	"time"

	"github.com/samber/mo"
)

// Period is a half-open interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
	// Floating is set when Start/End are floating wall-clock values
	// (stored labelled as UTC).
	Floating bool
	// UseDuration records that the period came from a DURATION value and
	// should be written back as start/duration.
	UseDuration bool
}

// New returns the period [start, end).
func New(start, end time.Time) Period {
	return Period{Start: start, End: end}
}

// WithDuration returns the period [start, start+d) flagged as duration based.
func WithDuration(start time.Time, d time.Duration) Period {
	return Period{Start: start, End: start.Add(d), UseDuration: true}
}

// Duration returns End - Start.
func (p Period) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// Empty reports whether the period covers no time at all.
func (p Period) Empty() bool {
	return !p.Start.Before(p.End)
}

// Overlaps tests [s1,e1) against [s2,e2). A nil bound is open (±∞).
// A zero-length first period is treated as an instant t, matching when
// s2 <= t < e2.
func Overlaps(s1, e1, s2, e2 *time.Time) bool {
	if s1 != nil && e1 != nil && s1.Equal(*e1) {
		if s2 != nil && s1.Before(*s2) {
			return false
		}
		if e2 != nil && !s1.Before(*e2) {
			return false
		}
		return true
	}
	if s1 != nil && e2 != nil && !s1.Before(*e2) {
		return false
	}
	if e1 != nil && s2 != nil && !e1.After(*s2) {
		return false
	}
	return true
}

// OverlapsPeriod is Overlaps for two closed periods.
func OverlapsPeriod(a, b Period) bool {
	return Overlaps(&a.Start, &a.End, &b.Start, &b.End)
}

// Clip clamps p to bound. It returns None when the clamped interval is empty.
func Clip(p, bound Period) mo.Option[Period] {
	start := p.Start
	if bound.Start.After(start) {
		start = bound.Start
	}
	end := p.End
	if bound.End.Before(end) {
		end = bound.End
	}
	if !start.Before(end) {
		return mo.None[Period]()
	}
	return mo.Some(Period{
		Start:       start,
		End:         end,
		Floating:    p.Floating,
		UseDuration: p.UseDuration,
	})
}

func compare(a, b Period) int {
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	return a.End.Compare(b.End)
}

// Normalize sorts periods by (start, end) and merges any that overlap or
// touch. It works in place and returns the shortened slice.
func Normalize(periods []Period) []Period {
	if len(periods) < 2 {
		return periods
	}
	slices.SortFunc(periods, compare)

	out := periods[:1]
	for _, next := range periods[1:] {
		prev := &out[len(out)-1]
		if !prev.End.Before(next.Start) {
			if next.End.After(prev.End) {
				prev.End = next.End
				prev.UseDuration = false
			}
			continue
		}
		out = append(out, next)
	}
	return out
}

// Invert returns the parts of bound not covered by the given periods.
// covered is normalized as a side effect.
func Invert(bound Period, covered []Period) []Period {
	covered = Normalize(covered)

	var gaps []Period
	last := bound.Start
	for _, p := range covered {
		if !p.End.After(last) {
			continue
		}
		if !p.Start.Before(bound.End) {
			break
		}
		if last.Before(p.Start) {
			gaps = append(gaps, Period{Start: last, End: p.Start})
		}
		last = p.End
	}
	if last.Before(bound.End) {
		gaps = append(gaps, Period{Start: last, End: bound.End})
	}
	return gaps
}

// FloatingAdjust returns the wall-clock time of t in tz, relabelled as UTC.
// It is the form floating values are stored and compared in. A nil tz is UTC.
func FloatingAdjust(t time.Time, tz *time.Location) time.Time {
	if tz == nil {
		tz = time.UTC
	}
	l := t.In(tz)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), time.UTC)
}

// ResolveFloating reads the wall-clock value of t as a local time in tz and
// returns the corresponding UTC instant.
func ResolveFloating(t time.Time, tz *time.Location) time.Time {
	if tz == nil {
		tz = time.UTC
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), tz).UTC()
}
