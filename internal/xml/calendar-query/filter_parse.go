// Package calendarquery reads the <C:filter> of a CalDAV calendar-query
// REPORT into the storage filter tree.
package calendarquery

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora/server/storage"
)

const timeRangeFormat = "20060102T150405Z"

// ParseFilter parses a calendar-query document, or a bare <filter>
// document, into a Filter. A <timezone> or <timezone-id> sibling of the
// filter sets the zone used for floating times. A document without a
// filter yields nil.
func ParseFilter(xmlStr string) (*storage.Filter, error) {
	if strings.TrimSpace(xmlStr) == "" {
		return nil, invalid("empty XML document")
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xmlStr); err != nil {
		return nil, &storage.Error{Type: storage.ErrInvalidInput, Message: "malformed XML", Err: err}
	}
	root := doc.Root()
	if root == nil {
		return nil, invalid("missing root element")
	}
	if strings.EqualFold(root.Tag, "filter") {
		return ParseFilterElement(root)
	}

	filter, err := ParseFilterElement(findElementIgnoreNS(root, "filter"))
	if err != nil || filter == nil {
		return filter, err
	}
	tz, err := parseTimezone(root)
	if err != nil {
		return nil, err
	}
	filter.Timezone = tz
	return filter, nil
}

// ParseFilterElement parses a <filter> element. It returns nil, nil for a
// nil element or one without a comp-filter.
func ParseFilterElement(filterElem *etree.Element) (*storage.Filter, error) {
	if filterElem == nil {
		return nil, nil
	}
	compFilters := getElementsIgnoreNS(filterElem, "comp-filter")
	if len(compFilters) == 0 {
		return nil, nil
	}
	if len(compFilters) > 1 {
		return nil, invalid("filter must contain exactly one comp-filter")
	}

	child, err := parseCompFilter(compFilters[0])
	if err != nil {
		return nil, err
	}
	filter := &storage.Filter{Child: child}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return filter, nil
}

func parseCompFilter(elem *etree.Element) (*storage.ComponentFilter, error) {
	f := &storage.ComponentFilter{
		Names: []string{strings.ToUpper(elem.SelectAttrValue("name", ""))},
		Test:  storage.ParseTest(elem.SelectAttrValue("test", "anyof")),
	}

	q, err := qualifier(elem, false)
	if err != nil {
		return nil, err
	}
	f.Qualifier = q

	for _, pe := range getElementsIgnoreNS(elem, "prop-filter") {
		pf, err := parsePropFilter(pe)
		if err != nil {
			return nil, err
		}
		f.Properties = append(f.Properties, pf)
	}
	for _, ce := range getElementsIgnoreNS(elem, "comp-filter") {
		cf, err := parseCompFilter(ce)
		if err != nil {
			return nil, err
		}
		f.Components = append(f.Components, cf)
	}
	return f, nil
}

func parsePropFilter(elem *etree.Element) (*storage.PropertyFilter, error) {
	f := &storage.PropertyFilter{
		Name: strings.ToUpper(elem.SelectAttrValue("name", "")),
		Test: storage.ParseTest(elem.SelectAttrValue("test", "anyof")),
	}
	q, err := qualifier(elem, true)
	if err != nil {
		return nil, fmt.Errorf("prop-filter %s: %w", f.Name, err)
	}
	f.Qualifier = q

	for _, pe := range getElementsIgnoreNS(elem, "param-filter") {
		pf, err := parseParamFilter(pe)
		if err != nil {
			return nil, err
		}
		f.Params = append(f.Params, pf)
	}
	return f, nil
}

func parseParamFilter(elem *etree.Element) (*storage.ParamFilter, error) {
	f := &storage.ParamFilter{Name: strings.ToUpper(elem.SelectAttrValue("name", ""))}
	if findElementIgnoreNS(elem, "time-range") != nil {
		return nil, invalid("param-filter " + f.Name + ": time-range not allowed")
	}
	q, err := qualifier(elem, true)
	if err != nil {
		return nil, err
	}
	f.Qualifier = q
	return f, nil
}

// qualifier reads the single is-not-defined, time-range or text-match child
// of a filter node.
func qualifier(elem *etree.Element, allowText bool) (storage.Qualifier, error) {
	var found []storage.Qualifier
	if findElementIgnoreNS(elem, "is-not-defined") != nil {
		found = append(found, storage.IsNotDefined{})
	}
	if tr := findElementIgnoreNS(elem, "time-range"); tr != nil {
		q, err := parseTimeRange(tr)
		if err != nil {
			return nil, err
		}
		found = append(found, q)
	}
	if tm := findElementIgnoreNS(elem, "text-match"); tm != nil {
		if !allowText {
			return nil, invalid("text-match not allowed in comp-filter")
		}
		found = append(found, parseTextMatch(tm))
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, invalid("filter element has more than one qualifier")
	}
}

func parseTextMatch(elem *etree.Element) *storage.TextMatch {
	return &storage.TextMatch{
		Collation: elem.SelectAttrValue("collation", "i;unicode-casemap"),
		MatchType: elem.SelectAttrValue("match-type", storage.MatchContains),
		Negate:    strings.EqualFold(elem.SelectAttrValue("negate-condition", "no"), "yes"),
		Value:     elem.Text(),
	}
}

func parseTimeRange(elem *etree.Element) (*storage.TimeRange, error) {
	tr := &storage.TimeRange{}
	for _, bound := range []struct {
		attr string
		dst  **time.Time
	}{{"start", &tr.Start}, {"end", &tr.End}} {
		v := elem.SelectAttrValue(bound.attr, "")
		if v == "" {
			continue
		}
		t, err := time.Parse(timeRangeFormat, v)
		if err != nil {
			return nil, &storage.Error{Type: storage.ErrInvalidInput, Message: "bad time-range " + bound.attr, Err: err}
		}
		*bound.dst = &t
	}
	return tr, nil
}

// parseTimezone reads the query's timezone. <timezone-id> names an IANA
// zone; <timezone> carries a VTIMEZONE whose TZID is looked up the same
// way. Unknown zones fall back to UTC.
func parseTimezone(root *etree.Element) (*time.Location, error) {
	if el := findElementIgnoreNS(root, "timezone-id"); el != nil {
		return loadLocation(strings.TrimSpace(el.Text())), nil
	}
	el := findElementIgnoreNS(root, "timezone")
	if el == nil {
		return nil, nil
	}
	// XML text usually arrives with bare LF line endings
	text := strings.ReplaceAll(strings.TrimSpace(el.Text()), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\n", "\r\n") + "\r\n"
	cal, err := ical.NewDecoder(strings.NewReader(text)).Decode()
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrInvalidInput, Message: "invalid timezone", Err: err}
	}
	for _, child := range cal.Children {
		if child.Name != ical.CompTimezone {
			continue
		}
		if prop := child.Props.Get(ical.PropTimezoneID); prop != nil {
			return loadLocation(prop.Value), nil
		}
	}
	return time.UTC, nil
}

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil || name == "" {
		return time.UTC
	}
	return loc
}

func invalid(msg string) error {
	return &storage.Error{Type: storage.ErrInvalidInput, Message: msg}
}

// getElementsIgnoreNS returns all child elements with the given local name, ignoring namespace
func getElementsIgnoreNS(parent *etree.Element, localName string) []*etree.Element {
	var elements []*etree.Element
	for _, child := range parent.ChildElements() {
		tagName := child.Tag
		if i := strings.IndexByte(tagName, ':'); i >= 0 {
			tagName = tagName[i+1:]
		}
		if strings.EqualFold(tagName, localName) {
			elements = append(elements, child)
		}
	}
	return elements
}

// findElementIgnoreNS finds the first child element with the given local name, ignoring namespace
func findElementIgnoreNS(parent *etree.Element, localName string) *etree.Element {
	elements := getElementsIgnoreNS(parent, localName)
	if len(elements) > 0 {
		return elements[0]
	}
	return nil
}
