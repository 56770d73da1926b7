package recurrence

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cyp0633/caldora/server/component"
	"github.com/cyp0633/caldora/server/period"
	"github.com/samber/mo"
)

// Engine expands recurring components into concrete instances.
type Engine struct {
	cache  *RecurrenceCache
	config EngineConfig
}

// NewEngine creates a new recurrence engine instance without a cache
func NewEngine() *Engine {
	return NewEngineWithConfig(DisabledCacheConfig)
}

// Expand expands a set of components sharing one UID: at most one master
// plus any number of overrides, or a VFREEBUSY/VAVAILABILITY. Occurrences
// starting at or after upper are not generated; when lower is given,
// occurrences ending before it are dropped.
//
// An override whose RECURRENCE-ID is inside the window but matches no
// generated occurrence yields *InvalidOverriddenInstanceError, unless
// ignoreInvalid is set, in which case the override is skipped.
func (e *Engine) Expand(set []component.Component, upper time.Time, lower *time.Time, ignoreInvalid bool) (*InstanceList, error) {
	x := &expansion{
		list:          newInstanceList(),
		upper:         upper,
		lower:         lower,
		ignoreInvalid: ignoreInvalid,
		max:           e.config.MaxAllowedInstances,
	}
	if err := x.run(set); err != nil {
		return nil, err
	}
	return x.list, nil
}

// ExpandCalendar expands the scheduling components of a calendar object.
func (e *Engine) ExpandCalendar(cal component.Component, upper time.Time, lower *time.Time, ignoreInvalid bool) (*InstanceList, error) {
	return e.Expand(component.Resources(cal), upper, lower, ignoreInvalid)
}

// ExpandCached is ExpandCalendar memoized under tag, which must change
// whenever the calendar data does (for instance a name plus etag). Each
// call returns its own copy of the list.
func (e *Engine) ExpandCached(tag string, cal component.Component, upper time.Time, lower *time.Time, ignoreInvalid bool) (*InstanceList, error) {
	if e.cache == nil || tag == "" {
		return e.ExpandCalendar(cal, upper, lower, ignoreInvalid)
	}
	if list, ok := e.cache.Get(tag, upper, lower, ignoreInvalid); ok {
		return list.Clone(), nil
	}
	list, err := e.ExpandCalendar(cal, upper, lower, ignoreInvalid)
	if err != nil {
		return nil, err
	}
	e.cache.Set(tag, upper, lower, ignoreInvalid, list.Clone())
	return list, nil
}

// Cache returns the engine's expansion cache, or nil when disabled.
func (e *Engine) Cache() *RecurrenceCache {
	return e.cache
}

type expansion struct {
	list          *InstanceList
	upper         time.Time
	lower         *time.Time
	ignoreInvalid bool
	max           int
}

func (x *expansion) run(set []component.Component) error {
	var (
		master    component.Component
		overrides []component.Component
	)
	for _, c := range set {
		switch c.Name() {
		case component.VEvent, component.VTodo, component.Available:
			if c.HasProperty(component.PropRecurrenceID) {
				overrides = append(overrides, c)
				continue
			}
			if err := x.addMaster(c); err != nil {
				return err
			}
			master = c
		case component.VFreeBusy:
			if err := x.addFreeBusy(c); err != nil {
				return err
			}
		case component.VAvailability:
			if err := x.addAvailability(c); err != nil {
				return err
			}
		case component.VJournal, component.VCalendar, component.VAlarm, component.VTimezone,
			component.PerUser, component.PerInstance, component.Unknown:
			// no time spans
		}
	}

	slices.SortFunc(overrides, func(a, b component.Component) int {
		return strings.Compare(ridKey(a), ridKey(b))
	})
	for _, c := range overrides {
		if err := x.addOverride(c, master != nil); err != nil {
			return err
		}
	}
	return nil
}

func ridKey(c component.Component) string {
	rid, _ := c.RecurrenceID()
	return rid.Key()
}

func (x *expansion) floor() time.Time {
	if x.lower != nil {
		return *x.lower
	}
	return MinDate
}

func (x *expansion) inRange(t time.Time) bool {
	return (x.lower == nil || !t.Before(*x.lower)) && t.Before(x.upper)
}

func (x *expansion) add(in *Instance) error {
	x.list.add(in)
	if x.max > 0 && x.list.Len() > x.max {
		return &TooManyInstancesError{Limit: x.max}
	}
	return nil
}

type details struct {
	// anchor is where rule expansion starts; absent for to-dos without dates.
	anchor     mo.Option[component.DateTime]
	start, end component.DateTime
}

func (d details) duration() time.Duration {
	return d.end.UTC().Sub(d.start.UTC())
}

// defaultEnd gives timed components zero length and all-day ones a day.
func defaultEnd(start component.DateTime) component.DateTime {
	if start.DateOnly {
		return start.Add(24 * time.Hour)
	}
	return start
}

func masterDetails(c component.Component) (details, bool) {
	if c.Name() == component.VTodo {
		return todoDetails(c), true
	}
	start, ok := c.Start()
	if !ok {
		return details{}, false
	}
	end, ok := c.End()
	if !ok {
		end = defaultEnd(start)
	}
	return details{anchor: mo.Some(start), start: start, end: end}, true
}

// todoDetails falls back from DTSTART to DUE, then to CREATED/COMPLETED and
// finally to the sentinel dates.
func todoDetails(c component.Component) details {
	if start, ok := c.Start(); ok {
		end, ok := c.End()
		if !ok {
			end, ok = c.Due()
		}
		if !ok {
			end = start
		}
		return details{anchor: mo.Some(start), start: start, end: end}
	}
	if due, ok := c.Due(); ok {
		return details{anchor: mo.Some(due), start: due, end: due}
	}
	d := details{
		start: component.DateTime{Time: MinDate},
		end:   component.DateTime{Time: MaxDate},
	}
	if created, ok := c.DateProperty(component.PropCreated); ok {
		d.start = created
	}
	if completed, ok := c.DateProperty(component.PropCompleted); ok {
		d.end = completed
	}
	return d
}

func recurrenceSet(c component.Component, anchor component.DateTime) (component.RecurrenceSet, error) {
	if start, ok := c.Start(); ok && start.Time.Equal(anchor.Time) {
		return c.RecurrenceSet()
	}
	return component.RecurrenceSetAt(c, anchor)
}

func (x *expansion) addMaster(c component.Component) error {
	d, ok := masterDetails(c)
	if !ok {
		return nil
	}
	x.list.MasterCancelled = strings.EqualFold(c.PropertyValue(component.PropStatus), "CANCELLED")
	fb := component.ComponentFBType(c)

	var set component.RecurrenceSet
	if anchor, ok := d.anchor.Get(); ok {
		var err error
		if set, err = recurrenceSet(c, anchor); err != nil {
			return fmt.Errorf("expand %s %q: %w", c.Name(), c.UID(), err)
		}
	}

	if set == nil {
		if !d.start.UTC().Before(x.upper) {
			x.list.Limit = mo.Some(x.upper)
			return nil
		}
		if x.lower != nil && d.end.UTC().Before(*x.lower) {
			x.list.LowerLimit = mo.Some(*x.lower)
			return nil
		}
		return x.add(&Instance{Component: c, RID: d.start, Start: d.start, End: d.end, FBType: fb})
	}

	dur := d.duration()
	var addErr error
	more := set.Iterate(x.upper, func(start component.DateTime) bool {
		if start.UTC().Before(MinDate) {
			return true
		}
		end := start.Add(dur)
		if x.lower != nil && end.UTC().Before(*x.lower) {
			x.list.LowerLimit = mo.Some(*x.lower)
			return true
		}
		addErr = x.add(&Instance{Component: c, RID: start, Start: start, End: end, FBType: fb})
		return addErr == nil
	})
	if addErr != nil {
		return addErr
	}
	if more {
		x.list.Limit = mo.Some(x.upper)
	}
	return nil
}

func (x *expansion) addOverride(c component.Component, gotMaster bool) error {
	rid, ok := c.RecurrenceID()
	if !ok {
		return nil
	}
	start, ok := c.Start()
	if !ok {
		start = rid
	}
	end, ok := c.End()
	if !ok && c.Name() == component.VTodo {
		end, ok = c.Due()
	}
	if !ok {
		end = defaultEnd(start)
	}

	key := rid.Key()
	if gotMaster {
		if _, exists := x.list.Get(key); !exists && x.inRange(rid.UTC()) {
			if x.ignoreInvalid {
				return nil
			}
			return &InvalidOverriddenInstanceError{RID: key}
		}
	}

	// Dropped only when both the original and the moved occurrence are
	// outside the window.
	ridT := rid.UTC()
	if !start.UTC().Before(x.upper) && !ridT.Before(x.upper) {
		return nil
	}
	if x.lower != nil && end.UTC().Before(*x.lower) && ridT.Before(*x.lower) {
		delete(x.list.instances, key)
		return nil
	}

	fb := component.ComponentFBType(c)
	if err := x.add(&Instance{Component: c, RID: rid, Start: start, End: end, Overridden: true, FBType: fb}); err != nil {
		return err
	}

	if c.RecurrenceRange() != component.RangeThisAndFuture {
		return nil
	}
	offset := start.UTC().Sub(rid.UTC())
	dur := end.UTC().Sub(start.UTC())
	for _, k := range x.list.Keys() {
		if k <= key {
			continue
		}
		old := x.list.instances[k]
		if old.Overridden {
			continue
		}
		newStart := old.Start.Add(offset)
		x.list.add(&Instance{
			Component: c,
			RID:       old.RID,
			Start:     newStart,
			End:       newStart.Add(dur),
			Future:    true,
			FBType:    fb,
		})
	}
	return nil
}

// addFreeBusy adds one instance per non-FREE FREEBUSY period, clipped to the
// window.
func (x *expansion) addFreeBusy(c component.Component) error {
	bound := period.New(x.floor(), x.upper)
	for _, p := range c.Properties(component.PropFreeBusy) {
		fb := component.ParseFBType(p.Param(component.ParamFBType))
		if fb == component.FBFree {
			continue
		}
		periods, err := p.Periods()
		if err != nil {
			return fmt.Errorf("expand VFREEBUSY %q: %w", c.UID(), err)
		}
		for _, pd := range periods {
			if !pd.Start.Before(x.upper) {
				x.list.Limit = mo.Some(x.upper)
				continue
			}
			clipped, ok := period.Clip(pd, bound).Get()
			if !ok {
				continue
			}
			start := component.DateTime{Time: clipped.Start, Floating: pd.Floating}
			end := component.DateTime{Time: clipped.End, Floating: pd.Floating}
			in := &Instance{Component: c, RID: start, Start: start, End: end, FBType: fb, key: start.Key() + "/" + end.Key() + "/" + fb.Code()}
			if err := x.add(in); err != nil {
				return err
			}
		}
	}
	return nil
}

// addAvailability adds the parts of the VAVAILABILITY's own bound that no
// AVAILABLE occurrence covers, classified by BUSYTYPE.
func (x *expansion) addAvailability(c component.Component) error {
	start, end := MinDate, MaxDate
	if s, ok := c.Start(); ok {
		start = s.UTC()
	}
	if e, ok := c.End(); ok {
		end = e.UTC()
	}
	if !start.Before(x.upper) {
		x.list.Limit = mo.Some(x.upper)
		return nil
	}
	if end.After(x.upper) {
		x.list.Limit = mo.Some(x.upper)
	}
	bound, ok := period.Clip(period.New(start, end), period.New(x.floor(), x.upper)).Get()
	if !ok {
		return nil
	}

	var available []component.Component
	for _, sub := range c.Subcomponents() {
		if sub.Name() == component.Available {
			available = append(available, sub)
		}
	}
	lower := bound.Start
	inner := &expansion{
		list:          newInstanceList(),
		upper:         bound.End,
		lower:         &lower,
		ignoreInvalid: true,
		max:           x.max,
	}
	if err := inner.run(available); err != nil {
		return err
	}
	covered := make([]period.Period, 0, inner.list.Len())
	for _, in := range inner.list.Instances() {
		covered = append(covered, in.Period())
	}

	fb := component.FBUnavailable
	if v := c.PropertyValue(component.PropBusyType); v != "" {
		fb = component.ParseFBType(v)
	}
	for _, gap := range period.Invert(bound, covered) {
		gs := component.DateTime{Time: gap.Start}
		ge := component.DateTime{Time: gap.End}
		if err := x.add(&Instance{Component: c, RID: gs, Start: gs, End: ge, FBType: fb}); err != nil {
			return err
		}
	}
	return nil
}
