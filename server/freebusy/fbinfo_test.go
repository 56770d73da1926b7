package freebusy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/caldora/server/component"
	"github.com/cyp0633/caldora/server/period"
)

func TestFBInfo_Normalize(t *testing.T) {
	info := &FBInfo{}
	info.add(component.FBBusy, span(2, 12, 2, 13))
	info.add(component.FBBusy, span(2, 10, 2, 12))
	info.add(component.FBFree, span(2, 14, 2, 15))
	info.add(component.FBUnknown, span(2, 14, 2, 15))
	info.add(component.FBTentative, span(2, 9, 2, 10))
	info.Normalize()

	assert.Equal(t, []period.Period{span(2, 10, 2, 13)}, info.Busy)
	assert.Equal(t, []period.Period{span(2, 9, 2, 10)}, info.Tentative)
	assert.Empty(t, info.Unavailable)
	assert.False(t, info.Empty())
}

func TestBuildVFreeBusy(t *testing.T) {
	info := &FBInfo{
		Busy:        []period.Period{span(2, 10, 2, 11), span(2, 14, 2, 15)},
		Unavailable: []period.Period{span(2, 17, 2, 18)},
	}
	fb := BuildVFreeBusy(info, "mailto:boss@example.com", "mailto:user01@example.com", span(2, 0, 3, 0))

	assert.Equal(t, "VFREEBUSY", fb.Name)
	assert.NotEmpty(t, fb.Props.Get(component.PropUID).Value)
	assert.Equal(t, "mailto:boss@example.com", fb.Props.Get(component.PropOrganizer).Value)
	assert.Equal(t, "mailto:user01@example.com", fb.Props.Get(component.PropAttendee).Value)
	assert.Equal(t, "20240102T000000Z", fb.Props.Get(component.PropDTStart).Value)
	assert.Equal(t, "20240103T000000Z", fb.Props.Get(component.PropDTEnd).Value)

	props := fb.Props.Values(component.PropFreeBusy)
	require.Len(t, props, 2)
	assert.Equal(t, "BUSY", props[0].Params.Get(component.ParamFBType))
	assert.Equal(t, "20240102T100000Z/20240102T110000Z,20240102T140000Z/20240102T150000Z", props[0].Value)
	assert.Equal(t, "BUSY-UNAVAILABLE", props[1].Params.Get(component.ParamFBType))

	empty := BuildVFreeBusy(&FBInfo{}, "", "", span(2, 0, 3, 0))
	assert.Nil(t, empty.Props.Get(component.PropOrganizer))
	assert.Empty(t, empty.Props.Values(component.PropFreeBusy))
}
