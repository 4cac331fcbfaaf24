package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/residence-registry/fault"
	"github.com/warp/residence-registry/hierarchy"
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore() *Memory {
	return New().WithClock(func() time.Time { return fixedNow })
}

func seedTower(t *testing.T, store *Memory, label string) (hierarchy.Property, hierarchy.Level, hierarchy.Unit) {
	t.Helper()
	ctx := context.Background()
	p, err := store.UpsertProperty(ctx, label, hierarchy.PropertyData{})
	require.NoError(t, err)
	l, err := store.UpsertLevel(ctx, p.ID, 1, hierarchy.LevelData{})
	require.NoError(t, err)
	u, err := store.UpsertUnit(ctx, p.ID, "101", hierarchy.UnitData{LevelID: &l.ID})
	require.NoError(t, err)
	return p, l, u
}

func TestUpserts_AreIdempotentByNaturalKey(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	p, l, u := seedTower(t, store, "North")

	again, err := store.UpsertProperty(ctx, "North", hierarchy.PropertyData{ImagePath: "/x.png"})
	require.NoError(t, err)
	assert.Equal(t, p, again)

	l2, err := store.UpsertLevel(ctx, p.ID, 1, hierarchy.LevelData{Name: "Other"})
	require.NoError(t, err)
	assert.Equal(t, l.ID, l2.ID)
	assert.Equal(t, "Level 1", l2.Name)

	u2, err := store.UpsertUnit(ctx, p.ID, "101", hierarchy.UnitData{})
	require.NoError(t, err)
	assert.Equal(t, u.ID, u2.ID)
	assert.Equal(t, fixedNow, u2.CreatedAt)
}

func TestUpsertUnit_RejectsCrossHierarchyLevel(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, north, _ := seedTower(t, store, "North")
	south, _, _ := seedTower(t, store, "South")

	_, err := store.UpsertUnit(ctx, south.ID, "999", hierarchy.UnitData{LevelID: &north.ID})
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = store.UpsertLevel(ctx, "missing", 1, hierarchy.LevelData{})
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestListings_AreOrdered(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	for _, label := range []string{"Cedar", "Alder", "Birch"} {
		_, err := store.UpsertProperty(ctx, label, hierarchy.PropertyData{})
		require.NoError(t, err)
	}
	props, err := store.ListProperties(ctx)
	require.NoError(t, err)
	require.Len(t, props, 3)
	assert.Equal(t, []string{"Alder", "Birch", "Cedar"}, []string{props[0].Label, props[1].Label, props[2].Label})

	p := props[0]
	for _, ord := range []int{3, -1, 1} {
		_, err := store.UpsertLevel(ctx, p.ID, ord, hierarchy.LevelData{})
		require.NoError(t, err)
	}
	levels, err := store.ListLevels(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{-1, 1, 3}, []int{levels[0].Ordinal, levels[1].Ordinal, levels[2].Ordinal})

	for _, n := range []string{"B2", "A1"} {
		_, err := store.UpsertUnit(ctx, p.ID, n, hierarchy.UnitData{})
		require.NoError(t, err)
	}
	units, err := store.ListUnitsByProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "A1", units[0].UnitNumber)
}

func TestCreateOccupant_DefaultsAndConflicts(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{
		ID:         "occ-1",
		Name:       "Ada",
		BirthDate:  time.Date(1990, 5, 17, 15, 4, 0, 0, time.UTC),
		MonthlyFee: decimal.RequireFromString("120.500"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, o.HouseholdSize)
	assert.Equal(t, hierarchy.StatusActive, o.Status)
	assert.Equal(t, "120.50", o.MonthlyFee.StringFixed(2))
	assert.Equal(t, time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC), o.BirthDate)

	_, err = store.CreateOccupant(ctx, hierarchy.Occupant{ID: "occ-1", Name: "Bob"})
	assert.ErrorIs(t, err, fault.ErrConflict)

	_, err = store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Cy", UnitID: hierarchy.Ptr(hierarchy.UnitID("nope"))})
	assert.ErrorIs(t, err, fault.ErrNotFound)

	_, err = store.CreateOccupant(ctx, hierarchy.Occupant{Name: ""})
	assert.ErrorIs(t, err, fault.ErrValidation)

	_, err = store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Dee", MonthlyFee: decimal.RequireFromString("120.456")})
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestUpdateOccupant_IgnoresPlacement(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, _, u := seedTower(t, store, "North")
	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Ada"})
	require.NoError(t, err)

	o.Name = "Ada L."
	o.UnitID = &u.ID
	updated, err := store.UpdateOccupant(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", updated.Name)
	assert.False(t, updated.Assigned())

	_, err = store.UpdateOccupant(ctx, hierarchy.Occupant{ID: "ghost", Name: "x", HouseholdSize: 1})
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestAssignOccupant_ConflictOverrideAndNoop(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, _, north := seedTower(t, store, "North")
	_, _, south := seedTower(t, store, "South")
	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Ada"})
	require.NoError(t, err)

	o, err = store.AssignOccupant(ctx, o.ID, north.ID, false)
	require.NoError(t, err)
	assert.True(t, o.InUnit(north.ID))

	_, err = store.AssignOccupant(ctx, o.ID, north.ID, false)
	assert.NoError(t, err)

	_, err = store.AssignOccupant(ctx, o.ID, south.ID, false)
	var ce *fault.ConflictError
	assert.ErrorAs(t, err, &ce)

	o, err = store.AssignOccupant(ctx, o.ID, south.ID, true)
	require.NoError(t, err)
	assert.True(t, o.InUnit(south.ID))
}

func TestDeleteProperty_Cascades(t *testing.T) {
	// GIVEN: two properties with one occupant each, plus an unassigned occupant
	store := newStore()
	ctx := context.Background()
	north, level, unit := seedTower(t, store, "North")
	flat, err := store.UpsertUnit(ctx, north.ID, "G", hierarchy.UnitData{})
	require.NoError(t, err)
	_, _, southUnit := seedTower(t, store, "South")

	zoe, _ := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Zoe", UnitID: &unit.ID})
	amy, _ := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Amy", UnitID: &flat.ID})
	stay, _ := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Bea", UnitID: &southUnit.ID})
	_, _ = store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Cal"})

	// WHEN: the first property is removed
	res, err := store.DeleteProperty(ctx, north.ID)
	require.NoError(t, err)

	// THEN: its levels and units are gone and exactly its occupants are orphaned
	assert.Equal(t, []hierarchy.LevelID{level.ID}, res.RemovedLevels)
	assert.Equal(t, []hierarchy.UnitID{unit.ID, flat.ID}, res.RemovedUnits)
	assert.Equal(t, []hierarchy.OccupantID{amy.ID, zoe.ID}, res.UnassignedOccupantIDs)

	_, err = store.GetUnit(ctx, unit.ID)
	assert.ErrorIs(t, err, fault.ErrNotFound)
	kept, err := store.GetOccupant(ctx, stay.ID)
	require.NoError(t, err)
	assert.True(t, kept.InUnit(southUnit.ID))

	unassigned, err := store.ListUnassignedOccupants(ctx)
	require.NoError(t, err)
	assert.Len(t, unassigned, 3)
}

func TestDeleteLevelAndUnit(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	p, l, u := seedTower(t, store, "North")
	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Ada", UnitID: &u.ID})
	require.NoError(t, err)

	detached, err := store.DeleteLevel(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, []hierarchy.UnitID{u.ID}, detached)
	units, err := store.ListUnitsByProperty(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Nil(t, units[0].LevelID)

	orphans, err := store.DeleteUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []hierarchy.OccupantID{o.ID}, orphans)

	_, err = store.DeleteUnit(ctx, u.ID)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx hierarchy.Store) error {
		_, err := tx.UpsertProperty(ctx, "Ghost", hierarchy.PropertyData{})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	props, err := store.ListProperties(ctx)
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestFailedWrite_LeavesStoreUntouched(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, _, u := seedTower(t, store, "North")
	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Ada", UnitID: &u.ID})
	require.NoError(t, err)

	_, err = store.AssignOccupant(ctx, o.ID, "missing", true)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	got, err := store.GetOccupant(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.InUnit(u.ID))
}
