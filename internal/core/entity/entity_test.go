package entity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	id := uuid.New()

	got, err := Parse("device", id.String())
	require.NoError(t, err)
	require.Equal(t, New(Device, id), got)
	require.Equal(t, "DEVICE:"+id.String(), got.String())

	_, err = Parse("gateway", id.String())
	require.Error(t, err)

	_, err = Parse("ASSET", "not-a-uuid")
	require.Error(t, err)
}

func TestTypeClassification(t *testing.T) {
	require.True(t, DeviceProfile.IsProfile())
	require.True(t, AssetProfile.IsProfile())
	require.False(t, Device.IsProfile())

	require.True(t, Customer.IsOwner())
	require.True(t, Tenant.IsOwner())
	require.False(t, Asset.IsOwner())
}

func TestRelationEnds(t *testing.T) {
	building := New(Asset, uuid.New())
	meter := New(Device, uuid.New())
	rel := Relation{From: building, To: meter, Type: "Contains"}

	target, source := rel.Ends(From)
	require.Equal(t, building, target)
	require.Equal(t, meter, source)

	target, source = rel.Ends(To)
	require.Equal(t, meter, target)
	require.Equal(t, building, source)

	require.Equal(t, To, From.Reverse())
	require.True(t, ID{}.IsZero())
}
