/*
sqlite_test.go - Tests for the SQLite hierarchy store

Tests for:
- Idempotent upserts by natural key
- Cross-hierarchy link rejection
- Assignment conflicts and override
- Property / level / unit cascades
- Opening a legacy flat database
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/residence-registry/fault"
	"github.com/warp/residence-registry/hierarchy"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedTower creates Property label / Level 1 / Unit 101.
func seedTower(t *testing.T, store *Store, label string) (hierarchy.Property, hierarchy.Level, hierarchy.Unit) {
	t.Helper()
	ctx := context.Background()
	p, err := store.UpsertProperty(ctx, label, hierarchy.PropertyData{})
	require.NoError(t, err)
	l, err := store.UpsertLevel(ctx, p.ID, 1, hierarchy.LevelData{Name: "First"})
	require.NoError(t, err)
	u, err := store.UpsertUnit(ctx, p.ID, "101", hierarchy.UnitData{LevelID: &l.ID})
	require.NoError(t, err)
	return p, l, u
}

func countRows(t *testing.T, store *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// =============================================================================
// UPSERTS
// =============================================================================

func TestUpsertProperty_IdempotentByLabel(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first, err := store.UpsertProperty(ctx, "Tower A", hierarchy.PropertyData{ImagePath: "a.jpg"})
	require.NoError(t, err)
	second, err := store.UpsertProperty(ctx, "Tower A", hierarchy.PropertyData{ImagePath: "other.jpg"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "a.jpg", second.ImagePath, "existing row is returned unchanged")
	assert.Equal(t, 1, countRows(t, store, "properties"))
}

func TestUpsertProperty_RejectsEmptyLabel(t *testing.T) {
	store := newStore(t)
	_, err := store.UpsertProperty(context.Background(), "  ", hierarchy.PropertyData{})
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestUpsertLevel_IdempotentByOrdinal(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	p, err := store.UpsertProperty(ctx, "Tower A", hierarchy.PropertyData{})
	require.NoError(t, err)

	for _, ordinal := range []int{-1, 0, 1, 2} {
		a, err := store.UpsertLevel(ctx, p.ID, ordinal, hierarchy.LevelData{})
		require.NoError(t, err)
		b, err := store.UpsertLevel(ctx, p.ID, ordinal, hierarchy.LevelData{})
		require.NoError(t, err)
		assert.Equal(t, a.ID, b.ID, "ordinal %d", ordinal)
	}
	assert.Equal(t, 4, countRows(t, store, "levels"))

	levels, err := store.ListLevels(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, levels, 4)
	assert.Equal(t, -1, levels[0].Ordinal)
	assert.Equal(t, "Level 2", levels[3].Name)
}

func TestUpsertLevel_UnknownProperty(t *testing.T) {
	store := newStore(t)
	_, err := store.UpsertLevel(context.Background(), "missing", 1, hierarchy.LevelData{})

	var nf *fault.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "property", nf.Kind)
}

func TestUpsertUnit_RejectsCrossHierarchyLevel(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, levelA, _ := seedTower(t, store, "Tower A")
	b, err := store.UpsertProperty(ctx, "Tower B", hierarchy.PropertyData{})
	require.NoError(t, err)

	_, err = store.UpsertUnit(ctx, b.ID, "201", hierarchy.UnitData{LevelID: &levelA.ID})
	assert.ErrorIs(t, err, fault.ErrValidation)
	assert.Equal(t, 1, countRows(t, store, "units"))
}

func TestUpsertUnit_WithoutLevel(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	p, err := store.UpsertProperty(ctx, "Tower A", hierarchy.PropertyData{})
	require.NoError(t, err)

	u, err := store.UpsertUnit(ctx, p.ID, "G1", hierarchy.UnitData{})
	require.NoError(t, err)
	assert.Nil(t, u.LevelID)

	units, err := store.ListUnitsByProperty(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, u.ID, units[0].ID)
}

// =============================================================================
// OCCUPANTS
// =============================================================================

func TestCreateOccupant_RoundTripsFields(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, _, unit := seedTower(t, store, "Tower A")

	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{
		UnitID:        &unit.ID,
		Name:          "Ada",
		BirthDate:     time.Date(1990, 4, 2, 0, 0, 0, 0, time.UTC),
		HouseholdSize: 3,
		MonthlyFee:    decimal.RequireFromString("120.50"),
		CreatorRef:    "admin-1",
	})
	require.NoError(t, err)

	got, err := store.GetOccupant(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.InUnit(unit.ID))
	assert.Equal(t, "1990-04-02", got.BirthDate.Format(time.DateOnly))
	assert.Equal(t, 3, got.HouseholdSize)
	assert.True(t, got.MonthlyFee.Equal(decimal.RequireFromString("120.50")))
	assert.True(t, got.BalanceDue.IsZero())
	assert.Equal(t, hierarchy.StatusActive, got.Status)
	assert.Equal(t, "admin-1", got.CreatorRef)
}

func TestCreateOccupant_DuplicateID(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.CreateOccupant(ctx, hierarchy.Occupant{ID: "o-1", Name: "Ada"})
	require.NoError(t, err)
	_, err = store.CreateOccupant(ctx, hierarchy.Occupant{ID: "o-1", Name: "Bob"})
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestUpdateOccupant_IgnoresPlacement(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, _, unit := seedTower(t, store, "Tower A")
	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Ada", UnitID: &unit.ID})
	require.NoError(t, err)

	o.Name = "Ada L."
	o.UnitID = nil
	o.Status = hierarchy.StatusSuspended
	updated, err := store.UpdateOccupant(ctx, o)
	require.NoError(t, err)

	assert.Equal(t, "Ada L.", updated.Name)
	assert.Equal(t, hierarchy.StatusSuspended, updated.Status)
	assert.True(t, updated.InUnit(unit.ID))
}

func TestDeleteOccupant_NotFound(t *testing.T) {
	store := newStore(t)
	err := store.DeleteOccupant(context.Background(), "nobody")
	assert.True(t, fault.IsNotFound(err))
}

// =============================================================================
// ASSIGNMENT
// =============================================================================

func TestAssignOccupant_ConflictWithoutOverride(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, _, u1 := seedTower(t, store, "Tower A")
	_, _, u2 := seedTower(t, store, "Tower B")

	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Ada"})
	require.NoError(t, err)
	o, err = store.AssignOccupant(ctx, o.ID, u1.ID, false)
	require.NoError(t, err)

	_, err = store.AssignOccupant(ctx, o.ID, u2.ID, false)
	var conflict *fault.ConflictError
	require.ErrorAs(t, err, &conflict)

	got, err := store.GetOccupant(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.InUnit(u1.ID), "failed assignment leaves placement untouched")

	moved, err := store.AssignOccupant(ctx, o.ID, u2.ID, true)
	require.NoError(t, err)
	assert.True(t, moved.InUnit(u2.ID))
}

func TestAssignOccupant_SameUnitIsNoop(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, _, unit := seedTower(t, store, "Tower A")
	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Ada", UnitID: &unit.ID})
	require.NoError(t, err)

	_, err = store.AssignOccupant(ctx, o.ID, unit.ID, false)
	assert.NoError(t, err)
}

func TestAssignOccupant_UnknownUnit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Ada"})
	require.NoError(t, err)

	_, err = store.AssignOccupant(ctx, o.ID, "no-such-unit", false)
	var nf *fault.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "unit", nf.Kind)
}

func TestAssignOccupant_ConcurrentLastCommitWins(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "race.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	var units []hierarchy.UnitID
	for _, label := range []string{"A", "B", "C", "D"} {
		_, _, u := seedTower(t, store, label)
		units = append(units, u.ID)
	}
	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Ada"})
	require.NoError(t, err)

	// WithTx holds the store lock until commit, so appending inside the
	// transaction records the commit order.
	var (
		wg      sync.WaitGroup
		commits []hierarchy.UnitID
	)
	for _, unitID := range units {
		wg.Add(1)
		go func(unitID hierarchy.UnitID) {
			defer wg.Done()
			err := store.WithTx(ctx, func(tx hierarchy.Store) error {
				got, err := tx.AssignOccupant(ctx, o.ID, unitID, true)
				if err != nil {
					return err
				}
				assert.True(t, got.InUnit(unitID))
				commits = append(commits, unitID)
				return nil
			})
			assert.NoError(t, err)
		}(unitID)
	}
	wg.Wait()

	final, err := store.GetOccupant(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, commits, len(units))
	assert.ElementsMatch(t, units, commits)
	require.NotNil(t, final.UnitID)
	assert.Equal(t, commits[len(commits)-1], *final.UnitID, "last committed assignment wins")
}

// =============================================================================
// CASCADES
// =============================================================================

func TestDeleteProperty_CascadeScenario(t *testing.T) {
	// GIVEN: Property "A" / Level 1 / Unit "101" with occupant O assigned
	store := newStore(t)
	ctx := context.Background()
	p, l, u := seedTower(t, store, "A")
	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "O", UnitID: &u.ID})
	require.NoError(t, err)

	// WHEN: Property "A" is deleted
	result, err := store.DeleteProperty(ctx, p.ID)
	require.NoError(t, err)

	// THEN: O survives unassigned, level and unit are gone
	got, err := store.GetOccupant(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UnitID)

	_, err = store.GetLevel(ctx, l.ID)
	assert.True(t, fault.IsNotFound(err))
	_, err = store.GetUnit(ctx, u.ID)
	assert.True(t, fault.IsNotFound(err))

	assert.Equal(t, []hierarchy.LevelID{l.ID}, result.RemovedLevels)
	assert.Equal(t, []hierarchy.UnitID{u.ID}, result.RemovedUnits)
	assert.Equal(t, []hierarchy.OccupantID{o.ID}, result.UnassignedOccupantIDs)
}

func TestDeleteProperty_UnassignsExactlyOccupiedUnits(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	p, err := store.UpsertProperty(ctx, "Tower A", hierarchy.PropertyData{})
	require.NoError(t, err)
	other, _, otherUnit := seedTower(t, store, "Tower B")

	const occupied = 5
	for i := 0; i < occupied+2; i++ {
		level, err := store.UpsertLevel(ctx, p.ID, i, hierarchy.LevelData{})
		require.NoError(t, err)
		unit, err := store.UpsertUnit(ctx, p.ID, string(rune('A'+i))+"1", hierarchy.UnitData{LevelID: &level.ID})
		require.NoError(t, err)
		if i < occupied {
			_, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "resident", UnitID: &unit.ID})
			require.NoError(t, err)
		}
	}
	bystander, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "bystander", UnitID: &otherUnit.ID})
	require.NoError(t, err)
	before := countRows(t, store, "occupants")

	result, err := store.DeleteProperty(ctx, p.ID)
	require.NoError(t, err)

	assert.Len(t, result.UnassignedOccupantIDs, occupied)
	assert.Equal(t, before, countRows(t, store, "occupants"), "no occupant row is removed")

	unassigned, err := store.ListUnassignedOccupants(ctx)
	require.NoError(t, err)
	assert.Len(t, unassigned, occupied)

	kept, err := store.GetOccupant(ctx, bystander.ID)
	require.NoError(t, err)
	assert.True(t, kept.InUnit(otherUnit.ID))
	_, err = store.GetProperty(ctx, other.ID)
	assert.NoError(t, err)
}

func TestDeleteProperty_NotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.DeleteProperty(context.Background(), "missing")
	assert.True(t, fault.IsNotFound(err))
}

func TestDeleteLevel_DetachesUnits(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	p, l, u := seedTower(t, store, "Tower A")

	detached, err := store.DeleteLevel(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, []hierarchy.UnitID{u.ID}, detached)

	got, err := store.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LevelID)
	assert.Equal(t, p.ID, got.PropertyID)
}

func TestDeleteUnit_UnassignsOccupants(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, _, u := seedTower(t, store, "Tower A")
	o, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: "Ada", UnitID: &u.ID})
	require.NoError(t, err)

	orphans, err := store.DeleteUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []hierarchy.OccupantID{o.ID}, orphans)

	got, err := store.GetOccupant(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, got.Assigned())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx hierarchy.Store) error {
		if _, err := tx.UpsertProperty(ctx, "Tower A", hierarchy.PropertyData{}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countRows(t, store, "properties"))
}

func TestOccupantLinksStayConsistent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for _, label := range []string{"A", "B"} {
		_, _, u := seedTower(t, store, label)
		_, err := store.CreateOccupant(ctx, hierarchy.Occupant{Name: label, UnitID: &u.ID})
		require.NoError(t, err)
	}

	rows, err := store.DB().Query(`
		SELECT COUNT(*) FROM occupants o
		JOIN units u ON u.id = o.unit_id
		JOIN levels l ON l.id = u.level_id
		WHERE l.property_id <> u.property_id`)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var bad int
	require.NoError(t, rows.Scan(&bad))
	assert.Zero(t, bad)
}

// =============================================================================
// CONNECTION
// =============================================================================

func TestDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"reg.db", "reg.db?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"},
		{"file:reg.db?cache=shared", "file:reg.db?cache=shared&_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"},
		{"reg.db?_busy_timeout=100", "reg.db?_busy_timeout=100&_foreign_keys=on&_journal_mode=WAL"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DSN(tt.in), tt.in)
	}
}

func TestNew_PathWithQueryKeepsForeignKeys(t *testing.T) {
	path := "file:" + filepath.Join(t.TempDir(), "reg.db") + "?cache=shared"
	store, err := New(path)
	require.NoError(t, err)
	defer store.Close()

	var on int
	require.NoError(t, store.DB().QueryRow("PRAGMA foreign_keys").Scan(&on))
	assert.Equal(t, 1, on)

	_, _, u := seedTower(t, store, "North")
	assert.NotEmpty(t, u.ID)
}

// =============================================================================
// LEGACY DATABASE
// =============================================================================

func TestNew_ReconcilesLegacyFlatDatabase(t *testing.T) {
	// GIVEN: A populated flat database without properties or levels
	path := filepath.Join(t.TempDir(), "legacy.db")
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`
		CREATE TABLE units (id TEXT PRIMARY KEY, unit_number TEXT NOT NULL);
		CREATE TABLE occupants (id TEXT PRIMARY KEY, name TEXT NOT NULL, unit_id TEXT);
		INSERT INTO units VALUES ('u-1', '101');
		INSERT INTO occupants VALUES ('o-1', 'Ada', 'u-1');
	`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	// WHEN: The store opens it
	store, err := New(path)
	require.NoError(t, err)
	defer store.Close()

	// THEN: Existing rows are readable through the hierarchy model
	ctx := context.Background()
	o, err := store.GetOccupant(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", o.Name)
	assert.True(t, o.InUnit("u-1"))
	assert.Equal(t, 1, o.HouseholdSize)
	assert.Equal(t, hierarchy.StatusActive, o.Status)

	u, err := store.GetUnit(ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, u.PropertyID)
	assert.Nil(t, u.LevelID)

	// And the hierarchy can be built on top of it
	p, err := store.UpsertProperty(ctx, "Tower A", hierarchy.PropertyData{})
	require.NoError(t, err)
	_, err = store.UpsertUnit(ctx, p.ID, "101", hierarchy.UnitData{})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening finds nothing left to reconcile
	again, err := New(path)
	require.NoError(t, err)
	again.Close()
}
