package storage

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora/server/component"
)

const productID = "-//Caldora//Go Calendar//EN"

// EncodeCalendar serializes cal, filling in VERSION, PRODID and DTSTAMP
// when they are missing.
func EncodeCalendar(cal *ical.Calendar) (string, error) {
	if cal == nil {
		return "", &Error{Type: ErrInvalidInput, Message: "nil calendar"}
	}
	if cal.Props.Get(ical.PropVersion) == nil {
		cal.Props.SetText(ical.PropVersion, "2.0")
	}
	if cal.Props.Get(ical.PropProductID) == nil {
		cal.Props.SetText(ical.PropProductID, productID)
	}
	for _, child := range cal.Children {
		if !component.ParseName(child.Name).Scheduling() {
			continue
		}
		if child.Props.Get(ical.PropDateTimeStamp) == nil {
			child.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
		}
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.String(), nil
}

// DecodeCalendar parses a single calendar object resource. All scheduling
// components in it must share one UID.
func DecodeCalendar(ics string) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(strings.NewReader(ics)).Decode()
	if err != nil {
		return nil, &Error{Type: ErrInvalidInput, Message: "failed to decode calendar", Err: err}
	}
	if err := validateObject(cal); err != nil {
		return nil, err
	}
	return cal, nil
}

func validateObject(cal *ical.Calendar) error {
	resources := component.Resources(component.WrapCalendar(cal))
	if len(resources) == 0 {
		return &Error{Type: ErrInvalidInput, Message: "no scheduling components found in calendar"}
	}
	uid := resources[0].UID()
	for _, r := range resources[1:] {
		if r.UID() != uid {
			return &Error{Type: ErrInvalidInput, Message: fmt.Sprintf("mixed UIDs %q and %q in one object", uid, r.UID())}
		}
	}
	return nil
}
