package schemaprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	hotel, ok := r.Attribute(HotelRef)
	require.True(t, ok)
	assert.Equal(t, []string{"hotel_id", "hotelId", "hotel", "hotelid"}, hotel.Candidates)
	assert.Equal(t, HotelRef, hotel.Name)

	_, ok = r.Attribute("nonexistent")
	assert.False(t, ok)

	assert.Contains(t, r.Names(), BranchRef)
	assert.Contains(t, r.Names(), ManagerRef)
}

func TestNewRegistry_Overrides(t *testing.T) {
	r, err := NewRegistry(map[string][]string{
		HotelRef:   {"property_id"},
		"room_ref": {"room_id", "roomId"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"property_id"}, r.MustAttribute(HotelRef).Candidates)
	assert.Equal(t, []string{"room_id", "roomId"}, r.MustAttribute("room_ref").Candidates)
	assert.Equal(t, []string{"status", "state"}, r.MustAttribute(Status).Candidates)
}

func TestNewRegistry_RejectsBadOverrides(t *testing.T) {
	_, err := NewRegistry(map[string][]string{HotelRef: {}})
	assert.Error(t, err)

	_, err = NewRegistry(map[string][]string{HotelRef: {"hotel_id", "hotel id"}})
	assert.Error(t, err)
}

func TestRegistry_AttributeIsACopy(t *testing.T) {
	r := DefaultRegistry()
	attr := r.MustAttribute(Status)
	attr.Candidates[0] = "mutated"
	assert.Equal(t, "status", r.MustAttribute(Status).Candidates[0])
}

func TestMustAttribute_PanicsOnUnknown(t *testing.T) {
	assert.Panics(t, func() {
		DefaultRegistry().MustAttribute("nope")
	})
}
