package freebusy

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/cyp0633/caldora/server/component"
	"github.com/cyp0633/caldora/server/period"
)

// FBInfo accumulates busy time by kind.
type FBInfo struct {
	Busy        []period.Period
	Tentative   []period.Period
	Unavailable []period.Period
}

// add records p under fb. Free time is not recorded.
func (f *FBInfo) add(fb component.FBType, p period.Period) {
	switch fb {
	case component.FBBusy:
		f.Busy = append(f.Busy, p)
	case component.FBTentative:
		f.Tentative = append(f.Tentative, p)
	case component.FBUnavailable:
		f.Unavailable = append(f.Unavailable, p)
	}
}

// Normalize sorts and merges each list.
func (f *FBInfo) Normalize() {
	f.Busy = period.Normalize(f.Busy)
	f.Tentative = period.Normalize(f.Tentative)
	f.Unavailable = period.Normalize(f.Unavailable)
}

// Empty reports whether no busy time was found.
func (f *FBInfo) Empty() bool {
	return len(f.Busy)+len(f.Tentative)+len(f.Unavailable) == 0
}

const icalUTC = "20060102T150405Z"

// BuildVFreeBusy renders info as a VFREEBUSY reply covering tr. organizer
// and attendee are calendar user addresses and may be empty. info should
// be normalized.
func BuildVFreeBusy(info *FBInfo, organizer, attendee string, tr period.Period) *ical.Component {
	fb := ical.NewComponent(component.VFreeBusy.String())
	fb.Props.SetText(component.PropUID, uuid.NewString())
	fb.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	fb.Props.SetDateTime(component.PropDTStart, tr.Start.UTC())
	fb.Props.SetDateTime(component.PropDTEnd, tr.End.UTC())
	if organizer != "" {
		prop := ical.NewProp(component.PropOrganizer)
		prop.Value = organizer
		fb.Props.Add(prop)
	}
	if attendee != "" {
		prop := ical.NewProp(component.PropAttendee)
		prop.Value = attendee
		fb.Props.Add(prop)
	}

	for _, bucket := range []struct {
		fbtype  component.FBType
		periods []period.Period
	}{
		{component.FBBusy, info.Busy},
		{component.FBTentative, info.Tentative},
		{component.FBUnavailable, info.Unavailable},
	} {
		if len(bucket.periods) == 0 {
			continue
		}
		values := make([]string, 0, len(bucket.periods))
		for _, p := range bucket.periods {
			values = append(values, p.Start.UTC().Format(icalUTC)+"/"+p.End.UTC().Format(icalUTC))
		}
		prop := ical.NewProp(component.PropFreeBusy)
		prop.Params.Set(component.ParamFBType, bucket.fbtype.String())
		prop.Value = strings.Join(values, ",")
		fb.Props.Add(prop)
	}
	return fb
}
