package component

import "strings"

// FBType is a free-busy classification, stored in the index as its
// one-letter code.
type FBType byte

const (
	FBFree        FBType = 'F'
	FBBusy        FBType = 'B'
	FBTentative   FBType = 'T'
	FBUnavailable FBType = 'U'
	// FBUnknown marks rows that must be evaluated against the full
	// calendar data.
	FBUnknown FBType = '?'
)

// Code returns the one-letter index code.
func (t FBType) Code() string { return string(rune(t)) }

// String returns the iCalendar FBTYPE spelling.
func (t FBType) String() string {
	switch t {
	case FBFree:
		return "FREE"
	case FBBusy:
		return "BUSY"
	case FBTentative:
		return "BUSY-TENTATIVE"
	case FBUnavailable:
		return "BUSY-UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// ParseFBType maps an FBTYPE/BUSYTYPE value onto FBType. An empty value is
// BUSY; unknown x-names are also treated as BUSY.
func ParseFBType(s string) FBType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FREE":
		return FBFree
	case "BUSY-TENTATIVE":
		return FBTentative
	case "BUSY-UNAVAILABLE":
		return FBUnavailable
	default:
		return FBBusy
	}
}

// FBTypeFromCode is the inverse of Code.
func FBTypeFromCode(code string) FBType {
	if len(code) != 1 {
		return FBUnknown
	}
	switch t := FBType(code[0]); t {
	case FBFree, FBBusy, FBTentative, FBUnavailable:
		return t
	default:
		return FBUnknown
	}
}

// ComponentFBType classifies a single component from its STATUS. Only
// non-cancelled VEVENTs block time. TRANSP is left to the caller, since
// per-user data can override it.
func ComponentFBType(c Component) FBType {
	if c.Name() != VEvent {
		return FBFree
	}
	switch strings.ToUpper(c.PropertyValue(PropStatus)) {
	case "CANCELLED":
		return FBFree
	case "TENTATIVE":
		return FBTentative
	default:
		return FBBusy
	}
}

// Transparent reports whether the component carries TRANSP:TRANSPARENT.
func Transparent(c Component) bool {
	return strings.EqualFold(c.PropertyValue(PropTransp), "TRANSPARENT")
}
