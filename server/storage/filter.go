package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/mo"
)

// Test is the test attribute of a filter node.
type Test int

const (
	TestAnyOf Test = iota // default
	TestAllOf
)

// ParseTest maps "anyof"/"allof" onto Test. Anything else is anyof.
func ParseTest(s string) Test {
	if strings.EqualFold(strings.TrimSpace(s), "allof") {
		return TestAllOf
	}
	return TestAnyOf
}

func (t Test) String() string {
	if t == TestAllOf {
		return "allof"
	}
	return "anyof"
}

// Qualifier is the single constraint a filter node may carry:
// IsNotDefined, *TimeRange or *TextMatch.
type Qualifier interface {
	qualifier()
}

// IsNotDefined describes <is-not-defined/>.
type IsNotDefined struct{}

// TimeRange describes a <time‑range>. A nil bound is open.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// Match types for TextMatch.
const (
	MatchEquals     = "equals"
	MatchContains   = "contains"
	MatchStartsWith = "starts-with"
	MatchEndsWith   = "ends-with"
)

// TextMatch describes a <text‑match> constraint.
type TextMatch struct {
	Collation string // "i;unicode-casemap", etc.
	MatchType string // "equals", "contains", …
	Negate    bool   // true if negate-condition="yes"
	Value     string // text to match
}

func (IsNotDefined) qualifier() {}
func (*TimeRange) qualifier()   {}
func (*TextMatch) qualifier()   {}

// Filter is the root <filter> element. It holds exactly one comp-filter,
// which must name VCALENDAR.
type Filter struct {
	Child *ComponentFilter
	// Timezone resolves floating times; nil means UTC.
	Timezone *time.Location
}

// ComponentFilter describes a <comp-filter>.
type ComponentFilter struct {
	// Names holds the component name, or a set of acceptable names.
	Names      []string
	Test       Test
	Qualifier  Qualifier // nil, IsNotDefined or *TimeRange
	Components []*ComponentFilter
	Properties []*PropertyFilter
}

// PropertyFilter describes a <prop‑filter> inside a comp-filter.
type PropertyFilter struct {
	Name      string    // e.g. "SUMMARY", "UID"
	Test      Test      // "anyof" (default) or "allof"
	Qualifier Qualifier // nil, IsNotDefined, *TimeRange or *TextMatch
	Params    []*ParamFilter
}

// ParamFilter describes a <param-filter> inside a prop-filter.
type ParamFilter struct {
	Name      string    // e.g. "LANGUAGE", "PARTSTAT"
	Qualifier Qualifier // nil, IsNotDefined or *TextMatch
}

// Defined is false for <is-not-defined/> nodes.
func (f *ComponentFilter) Defined() bool { return !isNotDefined(f.Qualifier) }
func (f *PropertyFilter) Defined() bool  { return !isNotDefined(f.Qualifier) }
func (f *ParamFilter) Defined() bool     { return !isNotDefined(f.Qualifier) }

// HasName reports whether name is one of the filter's names.
func (f *ComponentFilter) HasName(name string) bool {
	for _, n := range f.Names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

func isNotDefined(q Qualifier) bool {
	_, ok := q.(IsNotDefined)
	return ok
}

// Validate checks the structural rules of the tree.
func (f *Filter) Validate() error {
	if f == nil || f.Child == nil {
		return invalidFilter("filter must contain one comp-filter")
	}
	if len(f.Child.Names) != 1 || !strings.EqualFold(f.Child.Names[0], "VCALENDAR") {
		return invalidFilter("top-level comp-filter must be VCALENDAR")
	}
	return f.Child.validate()
}

func (f *ComponentFilter) validate() error {
	if len(f.Names) == 0 {
		return invalidFilter("comp-filter without a name")
	}
	switch q := f.Qualifier.(type) {
	case nil, IsNotDefined:
	case *TimeRange:
		if err := q.validate(); err != nil {
			return err
		}
	default:
		return invalidFilter(fmt.Sprintf("comp-filter %s: unsupported qualifier %T", f.Names[0], q))
	}
	if !f.Defined() && (len(f.Components) > 0 || len(f.Properties) > 0) {
		return invalidFilter(fmt.Sprintf("comp-filter %s: is-not-defined with nested filters", f.Names[0]))
	}
	for _, c := range f.Components {
		if err := c.validate(); err != nil {
			return err
		}
	}
	for _, p := range f.Properties {
		if err := p.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (f *PropertyFilter) validate() error {
	if f.Name == "" {
		return invalidFilter("prop-filter without a name")
	}
	switch q := f.Qualifier.(type) {
	case nil, IsNotDefined:
	case *TimeRange:
		if err := q.validate(); err != nil {
			return err
		}
	case *TextMatch:
		if err := q.validate(); err != nil {
			return err
		}
	}
	if !f.Defined() && len(f.Params) > 0 {
		return invalidFilter(fmt.Sprintf("prop-filter %s: is-not-defined with param-filters", f.Name))
	}
	for _, p := range f.Params {
		if p.Name == "" {
			return invalidFilter("param-filter without a name")
		}
		switch q := p.Qualifier.(type) {
		case nil, IsNotDefined:
		case *TextMatch:
			if err := q.validate(); err != nil {
				return err
			}
		default:
			return invalidFilter(fmt.Sprintf("param-filter %s: unsupported qualifier %T", p.Name, q))
		}
	}
	return nil
}

func (tr *TimeRange) validate() error {
	if tr.Start == nil && tr.End == nil {
		return invalidFilter("time-range needs a start or an end")
	}
	if tr.Start != nil && tr.End != nil && !tr.Start.Before(*tr.End) {
		return invalidFilter("time-range start must be before end")
	}
	return nil
}

func (tm *TextMatch) validate() error {
	switch tm.matchType() {
	case MatchEquals, MatchContains, MatchStartsWith, MatchEndsWith:
		return nil
	default:
		return invalidFilter(fmt.Sprintf("unknown match-type %q", tm.MatchType))
	}
}

func (tm *TextMatch) matchType() string {
	if tm.MatchType == "" {
		return MatchContains
	}
	return strings.ToLower(tm.MatchType)
}

// CaseSensitive is true only for the i;octet collation.
func (tm *TextMatch) CaseSensitive() bool {
	return strings.EqualFold(tm.Collation, "i;octet")
}

func invalidFilter(msg string) error {
	return &Error{Type: ErrInvalidInput, Message: msg}
}

// MaxTimeRange returns the bound farthest into the future among all
// time-ranges in the filter. isStart reports that this bound is a range
// start, meaning the range was open-ended.
func (f *Filter) MaxTimeRange() (latest mo.Option[time.Time], isStart bool) {
	if f == nil || f.Child == nil {
		return mo.None[time.Time](), false
	}
	return f.Child.maxTimeRange(mo.None[time.Time](), false)
}

func (f *ComponentFilter) maxTimeRange(cur mo.Option[time.Time], isStart bool) (mo.Option[time.Time], bool) {
	for _, c := range f.Components {
		cur, isStart = c.maxTimeRange(cur, isStart)
	}
	for _, p := range f.Properties {
		if tr, ok := p.Qualifier.(*TimeRange); ok {
			cur, isStart = tr.fold(cur, isStart)
		}
	}
	if tr, ok := f.Qualifier.(*TimeRange); ok {
		cur, isStart = tr.fold(cur, isStart)
	}
	return cur, isStart
}

func (tr *TimeRange) fold(cur mo.Option[time.Time], isStart bool) (mo.Option[time.Time], bool) {
	if tr.End != nil {
		if c, ok := cur.Get(); !ok || c.Before(*tr.End) {
			cur, isStart = mo.Some(*tr.End), false
		}
	}
	if tr.Start != nil {
		if c, ok := cur.Get(); !ok || c.Before(*tr.Start) {
			cur, isStart = mo.Some(*tr.Start), true
		}
	}
	return cur, isStart
}

// HasTimeRange reports whether any node of the tree carries a time-range.
func (f *Filter) HasTimeRange() bool {
	latest, _ := f.MaxTimeRange()
	return latest.IsPresent()
}
