package component

import (
	"slices"
	"strings"
)

// Resources returns the top-level scheduling components of a calendar
// object, skipping VTIMEZONE and per-user data. A component that is not a
// VCALENDAR is treated as its own single resource.
func Resources(cal Component) []Component {
	if cal == nil {
		return nil
	}
	if cal.Name() != VCalendar {
		return []Component{cal}
	}
	var out []Component
	for _, sub := range cal.Subcomponents() {
		if sub.Name().Scheduling() {
			out = append(out, sub)
		}
	}
	return out
}

// MainType is the kind of the first scheduling component, or Unknown.
func MainType(cal Component) Name {
	res := Resources(cal)
	if len(res) == 0 {
		return Unknown
	}
	return res[0].Name()
}

// ResourceUID is the UID shared by the scheduling components.
func ResourceUID(cal Component) string {
	for _, c := range Resources(cal) {
		if uid := c.UID(); uid != "" {
			return uid
		}
	}
	return ""
}

// Master returns the component without a RECURRENCE-ID, or nil.
func Master(cal Component) Component {
	for _, c := range Resources(cal) {
		if !c.HasProperty(PropRecurrenceID) {
			return c
		}
	}
	return nil
}

// Overrides returns the components carrying a RECURRENCE-ID.
func Overrides(cal Component) []Component {
	var out []Component
	for _, c := range Resources(cal) {
		if c.HasProperty(PropRecurrenceID) {
			out = append(out, c)
		}
	}
	return out
}

// Organizer returns the ORGANIZER of the master, falling back to the first
// component that has one.
func Organizer(cal Component) string {
	if m := Master(cal); m != nil {
		if org := m.PropertyValue(PropOrganizer); org != "" {
			return org
		}
	}
	for _, c := range Resources(cal) {
		if org := c.PropertyValue(PropOrganizer); org != "" {
			return org
		}
	}
	return ""
}

// IsRecurring reports whether the object has a recurrence rule, extra dates
// or overridden instances.
func IsRecurring(cal Component) bool {
	for _, c := range Resources(cal) {
		if c.HasProperty(PropRRule) || c.HasProperty(PropRDate) || c.HasProperty(PropRecurrenceID) {
			return true
		}
	}
	return false
}

// IsRecurringUnbounded reports whether the master's recurrence never ends.
func IsRecurringUnbounded(cal Component) (bool, error) {
	m := Master(cal)
	if m == nil {
		return false, nil
	}
	set, err := m.RecurrenceSet()
	if err != nil || set == nil {
		return false, err
	}
	return set.Unbounded(), nil
}

// UserTransparency is the TRANSP a given user sees for an instance. The
// empty UserUID stands for the shared, non-per-user value.
type UserTransparency struct {
	UserUID     string
	Transparent bool
}

// PerUserUIDs lists the users that carry per-user data, in document order.
func PerUserUIDs(cal Component) []string {
	var out []string
	if cal == nil || cal.Name() != VCalendar {
		return out
	}
	for _, sub := range cal.Subcomponents() {
		if sub.Name() != PerUser {
			continue
		}
		uid := sub.PropertyValue(PropPerUserUID)
		if uid != "" && !slices.Contains(out, uid) {
			out = append(out, uid)
		}
	}
	return out
}

// PerUserTransparency returns the transparency every user sees for the
// instance keyed by rid ("" for the master). Instances without their own
// entry inherit the master's.
func PerUserTransparency(cal Component, rid string) []UserTransparency {
	byRID := map[string]map[string]bool{}
	set := func(rid, user string, transp bool) {
		m, ok := byRID[rid]
		if !ok {
			m = map[string]bool{}
			byRID[rid] = m
		}
		m[user] = transp
	}

	if cal != nil && cal.Name() == VCalendar {
		for _, sub := range cal.Subcomponents() {
			switch {
			case sub.Name() == PerUser:
				user := sub.PropertyValue(PropPerUserUID)
				for _, inst := range sub.Subcomponents() {
					if inst.Name() != PerInstance {
						continue
					}
					set(ridKey(inst), user, Transparent(inst))
				}
			case sub.Name().Scheduling():
				set(ridKey(sub), "", Transparent(sub))
			}
		}
	}

	m, ok := byRID[rid]
	if !ok {
		m = byRID[""]
	}
	users := make([]string, 0, len(m))
	for u := range m {
		users = append(users, u)
	}
	slices.Sort(users)
	out := make([]UserTransparency, 0, len(users))
	for _, u := range users {
		out = append(out, UserTransparency{UserUID: u, Transparent: m[u]})
	}
	return out
}

func ridKey(c Component) string {
	if dt, ok := c.RecurrenceID(); ok {
		return dt.Key()
	}
	return strings.TrimSpace(c.PropertyValue(PropRecurrenceID))
}
