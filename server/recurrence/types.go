package recurrence

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cyp0633/caldora/server/component"
	"github.com/cyp0633/caldora/server/period"
	"github.com/samber/mo"
)

// Sentinel bounds used when a component gives no usable date, and as the
// floor expansion starts from.
var (
	MinDate = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxDate = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Instance is one concrete occurrence produced by expansion.
type Instance struct {
	// Component is the component the occurrence came from: the master, an
	// override, or for THISANDFUTURE-shifted occurrences the override that
	// shifted them.
	Component component.Component
	RID       component.DateTime
	Start     component.DateTime
	End       component.DateTime
	// Overridden is set on occurrences replaced by an override component.
	Overridden bool
	// Future is set on occurrences rewritten by a THISANDFUTURE override.
	Future bool
	// FBType is the busy classification of the occurrence.
	FBType component.FBType

	key string
}

// Key is the recurrence id in its textual form. VFREEBUSY periods, which
// may share a start, are keyed by their whole period and busy type.
func (in *Instance) Key() string {
	if in.key != "" {
		return in.key
	}
	return in.RID.Key()
}

// Floating reports whether the start is a floating time.
func (in *Instance) Floating() bool { return in.Start.Floating }

// Period returns [Start, End) in UTC (wall clock for floating instances).
func (in *Instance) Period() period.Period {
	return period.Period{Start: in.Start.UTC(), End: in.End.UTC(), Floating: in.Start.Floating}
}

// InstanceList maps recurrence id keys to instances.
type InstanceList struct {
	instances map[string]*Instance
	// Limit is set when expansion stopped at the upper bound with further
	// occurrences remaining.
	Limit mo.Option[time.Time]
	// LowerLimit is set when a lower bound was supplied and some occurrence
	// fell below it.
	LowerLimit mo.Option[time.Time]
	// MasterCancelled records STATUS:CANCELLED on the master.
	MasterCancelled bool
}

func newInstanceList() *InstanceList {
	return &InstanceList{instances: map[string]*Instance{}}
}

func (l *InstanceList) add(in *Instance) {
	l.instances[in.Key()] = in
}

// Len returns the number of instances.
func (l *InstanceList) Len() int { return len(l.instances) }

// Get returns the instance stored under key.
func (l *InstanceList) Get(key string) (*Instance, bool) {
	in, ok := l.instances[key]
	return in, ok
}

// Keys returns all keys in sorted order.
func (l *InstanceList) Keys() []string {
	return slices.Sorted(maps.Keys(l.instances))
}

// Instances returns the instances ordered by key.
func (l *InstanceList) Instances() []*Instance {
	keys := l.Keys()
	out := make([]*Instance, 0, len(keys))
	for _, k := range keys {
		out = append(out, l.instances[k])
	}
	return out
}

// Clone returns a copy that shares no instances with l.
func (l *InstanceList) Clone() *InstanceList {
	out := &InstanceList{
		instances:       make(map[string]*Instance, len(l.instances)),
		Limit:           l.Limit,
		LowerLimit:      l.LowerLimit,
		MasterCancelled: l.MasterCancelled,
	}
	for k, in := range l.instances {
		cp := *in
		out.instances[k] = &cp
	}
	return out
}

// InvalidOverriddenInstanceError reports an override whose RECURRENCE-ID
// matches no occurrence of the master.
type InvalidOverriddenInstanceError struct {
	RID string
}

func (e *InvalidOverriddenInstanceError) Error() string {
	return fmt.Sprintf("invalid overridden instance: %s", e.RID)
}

// TooManyInstancesError is returned once expansion exceeds the configured
// instance ceiling.
type TooManyInstancesError struct {
	Limit int
}

func (e *TooManyInstancesError) Error() string {
	return fmt.Sprintf("too many recurrence instances (limit %d)", e.Limit)
}
