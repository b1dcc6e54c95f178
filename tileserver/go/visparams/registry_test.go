package visparams

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.lapig.org/tiles/tileserver/go/types"
)

func TestRegistry_BuiltinsServeWhenCatalogueIsEmpty(t *testing.T) {
	reg := NewRegistry(context.Background(), NewMemoryStore())

	assert.True(t, reg.Exists("tvi-red"))
	assert.True(t, reg.Exists("landsat-tvi-false"))
	assert.False(t, reg.Exists("nope"))

	assert.True(t, reg.IsCompatible(types.LayerS2Harmonized, "tvi-red"))
	assert.False(t, reg.IsCompatible(types.LayerS2Harmonized, "landsat-tvi-false"))
	assert.True(t, reg.IsCompatible(types.LayerLandsat, "landsat-tvi-false"))
	assert.False(t, reg.IsCompatible(types.LayerLandsat, "tvi-red"))
}

func TestRegistry_BuiltinsServeWhenCatalogueIsDown(t *testing.T) {
	store := NewMemoryStore()
	store.SetError(errors.New("connection refused"))
	reg := NewRegistry(context.Background(), store)

	assert.True(t, reg.Exists("tvi-rgb"))
	vp, ok := reg.Lookup("tvi-red")
	require.True(t, ok)
	assert.Equal(t, "1.1", vp.Recipe.Gamma)
}

func TestRegistry_CatalogueOverridesBuiltinByName(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(VisParam{
		Name:     "tvi-red",
		Category: CategorySentinel,
		Active:   true,
		Recipe:   &Recipe{Bands: []string{"B4"}, Gamma: "2.0"},
	})
	reg := NewRegistry(ctx, store)

	vp, ok := reg.Lookup("tvi-red")
	require.True(t, ok)
	assert.Equal(t, "2.0", vp.Recipe.Gamma)
}

func TestRegistry_InactiveRecipeIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := NewRegistry(ctx, store)

	// Deactivation arrives via a refresh that no longer returns the recipe,
	// or an explicit inactive override.
	store.Put(VisParam{Name: "seasonal", Category: CategorySentinel, Active: true, Recipe: &Recipe{}})
	require.NoError(t, reg.Refresh(ctx))
	assert.True(t, reg.Exists("seasonal"))

	store.Put(VisParam{Name: "seasonal", Category: CategorySentinel, Active: false})
	require.NoError(t, reg.Refresh(ctx))
	assert.False(t, reg.Exists("seasonal"))
}

func TestRegistry_LandsatCollectionMapping(t *testing.T) {
	reg := NewRegistry(context.Background(), NewMemoryStore())

	for _, tc := range []struct {
		year int
		want string
	}{
		{1985, "LANDSAT/LT05/C02/T1_L2"},
		{2011, "LANDSAT/LT05/C02/T1_L2"},
		{2012, "LANDSAT/LE07/C02/T1_L2"},
		{2013, "LANDSAT/LE07/C02/T1_L2"},
		{2014, "LANDSAT/LC08/C02/T1_L2"},
		{2024, "LANDSAT/LC08/C02/T1_L2"},
		{2025, "LANDSAT/LC09/C02/T1_L2"},
		{2030, "LANDSAT/LC09/C02/T1_L2"},
	} {
		got, err := reg.LandsatCollection(tc.year)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "year %d", tc.year)
	}

	_, err := reg.LandsatCollection(1984)
	require.Error(t, err)
}

func TestRegistry_CapabilitiesReflectVersionChanges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := NewRegistry(ctx, store)

	caps := reg.Capabilities(ctx)
	require.Len(t, caps.Layers, 2)
	s2 := caps.Layers[0]
	assert.Equal(t, "s2_harmonized", s2.Name)
	assert.Equal(t, 2017, s2.YearStart)
	assert.Contains(t, s2.VisParams, "tvi-red")
	assert.NotContains(t, s2.VisParams, "landsat-tvi-false")
	landsat := caps.Layers[1]
	assert.Equal(t, 1985, landsat.YearStart)
	assert.Contains(t, landsat.Collections, "LANDSAT/LC09/C02/T1_L2")

	// A new recipe appears in capabilities after the version bump, despite
	// the TTL cache.
	store.Put(VisParam{Name: "tvi-extra", Category: CategorySentinel, Active: true, Recipe: &Recipe{}})
	require.NoError(t, reg.Refresh(ctx))
	caps = reg.Capabilities(ctx)
	assert.Contains(t, caps.Layers[0].VisParams, "tvi-extra")
	assert.Equal(t, reg.Version(), caps.Version)
}
