// Package memory provides an in-memory hierarchy.TxStore (for testing/dev).
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/residence-registry/fault"
	"github.com/warp/residence-registry/hierarchy"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	tables
	now func() time.Time
}

type tables struct {
	properties map[hierarchy.PropertyID]hierarchy.Property
	levels     map[hierarchy.LevelID]hierarchy.Level
	units      map[hierarchy.UnitID]hierarchy.Unit
	occupants  map[hierarchy.OccupantID]hierarchy.Occupant
}

var _ hierarchy.TxStore = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		tables: tables{
			properties: make(map[hierarchy.PropertyID]hierarchy.Property),
			levels:     make(map[hierarchy.LevelID]hierarchy.Level),
			units:      make(map[hierarchy.UnitID]hierarchy.Unit),
			occupants:  make(map[hierarchy.OccupantID]hierarchy.Occupant),
		},
		now: func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
}

// WithClock replaces the timestamp source.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) view() view {
	return view{t: &m.tables, now: m.now}
}

func read[T any](m *Memory, fn func(v view) (T, error)) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.view())
}

func write[T any](m *Memory, fn func(v view) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.snapshot()
	out, err := fn(m.view())
	if err != nil {
		m.restore(snapshot)
	}
	return out, err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(hierarchy.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(m.view()); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

func (m *Memory) snapshot() tables {
	return tables{
		properties: maps.Clone(m.properties),
		levels:     maps.Clone(m.levels),
		units:      maps.Clone(m.units),
		occupants:  maps.Clone(m.occupants),
	}
}

func (m *Memory) restore(s tables) {
	m.tables = s
}

// =============================================================================
// STORE METHODS
// =============================================================================

func (m *Memory) UpsertProperty(ctx context.Context, label string, data hierarchy.PropertyData) (hierarchy.Property, error) {
	return write(m, func(v view) (hierarchy.Property, error) { return v.UpsertProperty(ctx, label, data) })
}

func (m *Memory) UpsertLevel(ctx context.Context, propertyID hierarchy.PropertyID, ordinal int, data hierarchy.LevelData) (hierarchy.Level, error) {
	return write(m, func(v view) (hierarchy.Level, error) { return v.UpsertLevel(ctx, propertyID, ordinal, data) })
}

func (m *Memory) UpsertUnit(ctx context.Context, propertyID hierarchy.PropertyID, unitNumber string, data hierarchy.UnitData) (hierarchy.Unit, error) {
	return write(m, func(v view) (hierarchy.Unit, error) { return v.UpsertUnit(ctx, propertyID, unitNumber, data) })
}

func (m *Memory) GetProperty(ctx context.Context, id hierarchy.PropertyID) (hierarchy.Property, error) {
	return read(m, func(v view) (hierarchy.Property, error) { return v.GetProperty(ctx, id) })
}

func (m *Memory) GetLevel(ctx context.Context, id hierarchy.LevelID) (hierarchy.Level, error) {
	return read(m, func(v view) (hierarchy.Level, error) { return v.GetLevel(ctx, id) })
}

func (m *Memory) GetUnit(ctx context.Context, id hierarchy.UnitID) (hierarchy.Unit, error) {
	return read(m, func(v view) (hierarchy.Unit, error) { return v.GetUnit(ctx, id) })
}

func (m *Memory) GetOccupant(ctx context.Context, id hierarchy.OccupantID) (hierarchy.Occupant, error) {
	return read(m, func(v view) (hierarchy.Occupant, error) { return v.GetOccupant(ctx, id) })
}

func (m *Memory) ListProperties(ctx context.Context) ([]hierarchy.Property, error) {
	return read(m, func(v view) ([]hierarchy.Property, error) { return v.ListProperties(ctx) })
}

func (m *Memory) ListLevels(ctx context.Context, propertyID hierarchy.PropertyID) ([]hierarchy.Level, error) {
	return read(m, func(v view) ([]hierarchy.Level, error) { return v.ListLevels(ctx, propertyID) })
}

func (m *Memory) ListUnits(ctx context.Context, levelID hierarchy.LevelID) ([]hierarchy.Unit, error) {
	return read(m, func(v view) ([]hierarchy.Unit, error) { return v.ListUnits(ctx, levelID) })
}

func (m *Memory) ListUnitsByProperty(ctx context.Context, propertyID hierarchy.PropertyID) ([]hierarchy.Unit, error) {
	return read(m, func(v view) ([]hierarchy.Unit, error) { return v.ListUnitsByProperty(ctx, propertyID) })
}

func (m *Memory) ListOccupants(ctx context.Context, unitID hierarchy.UnitID) ([]hierarchy.Occupant, error) {
	return read(m, func(v view) ([]hierarchy.Occupant, error) { return v.ListOccupants(ctx, unitID) })
}

func (m *Memory) ListUnassignedOccupants(ctx context.Context) ([]hierarchy.Occupant, error) {
	return read(m, func(v view) ([]hierarchy.Occupant, error) { return v.ListUnassignedOccupants(ctx) })
}

func (m *Memory) SetPropertyImage(ctx context.Context, id hierarchy.PropertyID, path string) error {
	_, err := write(m, func(v view) (struct{}, error) { return struct{}{}, v.SetPropertyImage(ctx, id, path) })
	return err
}

func (m *Memory) SetLevelImage(ctx context.Context, id hierarchy.LevelID, path string) error {
	_, err := write(m, func(v view) (struct{}, error) { return struct{}{}, v.SetLevelImage(ctx, id, path) })
	return err
}

func (m *Memory) CreateOccupant(ctx context.Context, o hierarchy.Occupant) (hierarchy.Occupant, error) {
	return write(m, func(v view) (hierarchy.Occupant, error) { return v.CreateOccupant(ctx, o) })
}

func (m *Memory) UpdateOccupant(ctx context.Context, o hierarchy.Occupant) (hierarchy.Occupant, error) {
	return write(m, func(v view) (hierarchy.Occupant, error) { return v.UpdateOccupant(ctx, o) })
}

func (m *Memory) DeleteOccupant(ctx context.Context, id hierarchy.OccupantID) error {
	_, err := write(m, func(v view) (struct{}, error) { return struct{}{}, v.DeleteOccupant(ctx, id) })
	return err
}

func (m *Memory) AssignOccupant(ctx context.Context, occupantID hierarchy.OccupantID, unitID hierarchy.UnitID, override bool) (hierarchy.Occupant, error) {
	return write(m, func(v view) (hierarchy.Occupant, error) { return v.AssignOccupant(ctx, occupantID, unitID, override) })
}

func (m *Memory) DeleteProperty(ctx context.Context, id hierarchy.PropertyID) (hierarchy.CascadeResult, error) {
	return write(m, func(v view) (hierarchy.CascadeResult, error) { return v.DeleteProperty(ctx, id) })
}

func (m *Memory) DeleteLevel(ctx context.Context, id hierarchy.LevelID) ([]hierarchy.UnitID, error) {
	return write(m, func(v view) ([]hierarchy.UnitID, error) { return v.DeleteLevel(ctx, id) })
}

func (m *Memory) DeleteUnit(ctx context.Context, id hierarchy.UnitID) ([]hierarchy.OccupantID, error) {
	return write(m, func(v view) ([]hierarchy.OccupantID, error) { return v.DeleteUnit(ctx, id) })
}

// =============================================================================
// VIEW - unlocked operations over the tables
// =============================================================================

// view runs the store operations against the tables without locking. The
// caller holds the Memory lock.
type view struct {
	t   *tables
	now func() time.Time
}

var _ hierarchy.Store = view{}

func (v view) UpsertProperty(_ context.Context, label string, data hierarchy.PropertyData) (hierarchy.Property, error) {
	if err := hierarchy.ValidateLabel(label); err != nil {
		return hierarchy.Property{}, err
	}
	for _, p := range v.t.properties {
		if p.Label == label {
			return p, nil
		}
	}
	p := hierarchy.Property{
		ID:        hierarchy.PropertyID(uuid.NewString()),
		Label:     label,
		ImagePath: data.ImagePath,
		CreatedAt: v.now(),
	}
	v.t.properties[p.ID] = p
	return p, nil
}

func (v view) GetProperty(_ context.Context, id hierarchy.PropertyID) (hierarchy.Property, error) {
	p, ok := v.t.properties[id]
	if !ok {
		return hierarchy.Property{}, fault.NotFound("property", string(id))
	}
	return p, nil
}

func (v view) ListProperties(_ context.Context) ([]hierarchy.Property, error) {
	return sorted(v.t.properties, func(a, b hierarchy.Property) int {
		return cmp.Compare(a.Label, b.Label)
	}, nil), nil
}

func (v view) SetPropertyImage(_ context.Context, id hierarchy.PropertyID, path string) error {
	p, ok := v.t.properties[id]
	if !ok {
		return fault.NotFound("property", string(id))
	}
	p.ImagePath = path
	v.t.properties[id] = p
	return nil
}

func (v view) UpsertLevel(ctx context.Context, propertyID hierarchy.PropertyID, ordinal int, data hierarchy.LevelData) (hierarchy.Level, error) {
	if err := hierarchy.ValidateOrdinal(ordinal); err != nil {
		return hierarchy.Level{}, err
	}
	if _, err := v.GetProperty(ctx, propertyID); err != nil {
		return hierarchy.Level{}, err
	}
	for _, l := range v.t.levels {
		if l.PropertyID == propertyID && l.Ordinal == ordinal {
			return l, nil
		}
	}
	name := data.Name
	if name == "" {
		name = fmt.Sprintf("Level %d", ordinal)
	}
	l := hierarchy.Level{
		ID:         hierarchy.LevelID(uuid.NewString()),
		PropertyID: propertyID,
		Ordinal:    ordinal,
		Name:       name,
		ImagePath:  data.ImagePath,
		CreatedAt:  v.now(),
	}
	v.t.levels[l.ID] = l
	return l, nil
}

func (v view) GetLevel(_ context.Context, id hierarchy.LevelID) (hierarchy.Level, error) {
	l, ok := v.t.levels[id]
	if !ok {
		return hierarchy.Level{}, fault.NotFound("level", string(id))
	}
	return l, nil
}

func (v view) ListLevels(_ context.Context, propertyID hierarchy.PropertyID) ([]hierarchy.Level, error) {
	return sorted(v.t.levels, func(a, b hierarchy.Level) int {
		return cmp.Compare(a.Ordinal, b.Ordinal)
	}, func(l hierarchy.Level) bool { return l.PropertyID == propertyID }), nil
}

func (v view) SetLevelImage(_ context.Context, id hierarchy.LevelID, path string) error {
	l, ok := v.t.levels[id]
	if !ok {
		return fault.NotFound("level", string(id))
	}
	l.ImagePath = path
	v.t.levels[id] = l
	return nil
}

func (v view) DeleteLevel(ctx context.Context, id hierarchy.LevelID) ([]hierarchy.UnitID, error) {
	if _, err := v.GetLevel(ctx, id); err != nil {
		return nil, err
	}
	units, _ := v.ListUnits(ctx, id)
	detached := make([]hierarchy.UnitID, len(units))
	for i, u := range units {
		u.LevelID = nil
		v.t.units[u.ID] = u
		detached[i] = u.ID
	}
	delete(v.t.levels, id)
	return detached, nil
}

func (v view) UpsertUnit(ctx context.Context, propertyID hierarchy.PropertyID, unitNumber string, data hierarchy.UnitData) (hierarchy.Unit, error) {
	if err := hierarchy.ValidateUnitNumber(unitNumber); err != nil {
		return hierarchy.Unit{}, err
	}
	if _, err := v.GetProperty(ctx, propertyID); err != nil {
		return hierarchy.Unit{}, err
	}
	var levelID *hierarchy.LevelID
	if data.LevelID != nil {
		level, err := v.GetLevel(ctx, *data.LevelID)
		if err != nil {
			return hierarchy.Unit{}, err
		}
		if level.PropertyID != propertyID {
			return hierarchy.Unit{}, fault.Validation("level_id",
				"level %s belongs to property %s, not %s", level.ID, level.PropertyID, propertyID)
		}
		levelID = hierarchy.Ptr(level.ID)
	}
	for _, u := range v.t.units {
		if u.PropertyID == propertyID && u.UnitNumber == unitNumber {
			return u, nil
		}
	}
	u := hierarchy.Unit{
		ID:         hierarchy.UnitID(uuid.NewString()),
		PropertyID: propertyID,
		LevelID:    levelID,
		UnitNumber: unitNumber,
		CreatedAt:  v.now(),
	}
	v.t.units[u.ID] = u
	return u, nil
}

func (v view) GetUnit(_ context.Context, id hierarchy.UnitID) (hierarchy.Unit, error) {
	u, ok := v.t.units[id]
	if !ok {
		return hierarchy.Unit{}, fault.NotFound("unit", string(id))
	}
	return u, nil
}

func (v view) ListUnits(_ context.Context, levelID hierarchy.LevelID) ([]hierarchy.Unit, error) {
	return sorted(v.t.units, byUnitNumber, func(u hierarchy.Unit) bool {
		return u.LevelID != nil && *u.LevelID == levelID
	}), nil
}

func (v view) ListUnitsByProperty(_ context.Context, propertyID hierarchy.PropertyID) ([]hierarchy.Unit, error) {
	return sorted(v.t.units, byUnitNumber, func(u hierarchy.Unit) bool {
		return u.PropertyID == propertyID
	}), nil
}

func (v view) DeleteUnit(ctx context.Context, id hierarchy.UnitID) ([]hierarchy.OccupantID, error) {
	if _, err := v.GetUnit(ctx, id); err != nil {
		return nil, err
	}
	orphans := v.unassign(func(u hierarchy.UnitID) bool { return u == id })
	delete(v.t.units, id)
	return orphans, nil
}

func (v view) CreateOccupant(ctx context.Context, o hierarchy.Occupant) (hierarchy.Occupant, error) {
	if o.HouseholdSize == 0 {
		o.HouseholdSize = 1
	}
	if o.Status == "" {
		o.Status = hierarchy.StatusActive
	}
	if err := hierarchy.ValidateOccupant(o); err != nil {
		return hierarchy.Occupant{}, err
	}
	if o.UnitID != nil {
		if _, err := v.GetUnit(ctx, *o.UnitID); err != nil {
			return hierarchy.Occupant{}, err
		}
	}
	if o.ID == "" {
		o.ID = hierarchy.OccupantID(uuid.NewString())
	}
	if _, exists := v.t.occupants[o.ID]; exists {
		return hierarchy.Occupant{}, fault.Conflict("occupant", string(o.ID), "id already exists")
	}
	now := v.now()
	o.CreatedAt, o.UpdatedAt = now, now
	v.t.occupants[o.ID] = normalize(o)
	return v.t.occupants[o.ID], nil
}

func (v view) UpdateOccupant(ctx context.Context, o hierarchy.Occupant) (hierarchy.Occupant, error) {
	if err := hierarchy.ValidateOccupant(o); err != nil {
		return hierarchy.Occupant{}, err
	}
	stored, err := v.GetOccupant(ctx, o.ID)
	if err != nil {
		return hierarchy.Occupant{}, err
	}
	stored.Name = o.Name
	stored.BirthDate = o.BirthDate
	stored.HouseholdSize = o.HouseholdSize
	stored.MonthlyFee = o.MonthlyFee
	stored.BalanceDue = o.BalanceDue
	stored.Status = o.Status
	if stored.Status == "" {
		stored.Status = hierarchy.StatusActive
	}
	stored.UpdatedAt = v.now()
	v.t.occupants[o.ID] = normalize(stored)
	return v.t.occupants[o.ID], nil
}

func (v view) DeleteOccupant(_ context.Context, id hierarchy.OccupantID) error {
	if _, ok := v.t.occupants[id]; !ok {
		return fault.NotFound("occupant", string(id))
	}
	delete(v.t.occupants, id)
	return nil
}

func (v view) GetOccupant(_ context.Context, id hierarchy.OccupantID) (hierarchy.Occupant, error) {
	o, ok := v.t.occupants[id]
	if !ok {
		return hierarchy.Occupant{}, fault.NotFound("occupant", string(id))
	}
	return o, nil
}

func (v view) ListOccupants(_ context.Context, unitID hierarchy.UnitID) ([]hierarchy.Occupant, error) {
	return sorted(v.t.occupants, byName, func(o hierarchy.Occupant) bool { return o.InUnit(unitID) }), nil
}

func (v view) ListUnassignedOccupants(_ context.Context) ([]hierarchy.Occupant, error) {
	return sorted(v.t.occupants, byName, func(o hierarchy.Occupant) bool { return !o.Assigned() }), nil
}

// AssignOccupant moves the occupant into unitID. Assigning to the unit the
// occupant already lives in is a no-op.
func (v view) AssignOccupant(ctx context.Context, occupantID hierarchy.OccupantID, unitID hierarchy.UnitID, override bool) (hierarchy.Occupant, error) {
	o, err := v.GetOccupant(ctx, occupantID)
	if err != nil {
		return hierarchy.Occupant{}, err
	}
	if _, err := v.GetUnit(ctx, unitID); err != nil {
		return hierarchy.Occupant{}, err
	}
	if o.InUnit(unitID) {
		return o, nil
	}
	if o.Assigned() && !override {
		return hierarchy.Occupant{}, fault.Conflict("occupant", string(occupantID),
			"already assigned to unit %s", *o.UnitID)
	}
	o.UnitID = hierarchy.Ptr(unitID)
	o.UpdatedAt = v.now()
	v.t.occupants[o.ID] = o
	return o, nil
}

// DeleteProperty removes the property, its levels and its units, and
// unassigns every occupant of those units.
func (v view) DeleteProperty(ctx context.Context, id hierarchy.PropertyID) (hierarchy.CascadeResult, error) {
	if _, err := v.GetProperty(ctx, id); err != nil {
		return hierarchy.CascadeResult{}, err
	}
	levels, _ := v.ListLevels(ctx, id)
	inProperty := make(map[hierarchy.LevelID]bool, len(levels))
	var res hierarchy.CascadeResult
	for _, l := range levels {
		inProperty[l.ID] = true
		res.RemovedLevels = append(res.RemovedLevels, l.ID)
	}

	units := sorted(v.t.units, byUnitNumber, func(u hierarchy.Unit) bool {
		return u.PropertyID == id || (u.LevelID != nil && inProperty[*u.LevelID])
	})
	removed := make(map[hierarchy.UnitID]bool, len(units))
	for _, u := range units {
		removed[u.ID] = true
		res.RemovedUnits = append(res.RemovedUnits, u.ID)
	}

	res.UnassignedOccupantIDs = v.unassign(func(u hierarchy.UnitID) bool { return removed[u] })
	for uid := range removed {
		delete(v.t.units, uid)
	}
	for lid := range inProperty {
		delete(v.t.levels, lid)
	}
	delete(v.t.properties, id)
	return res, nil
}

// unassign clears the unit of every occupant living in a matching unit and
// returns their ids ordered by name.
func (v view) unassign(match func(hierarchy.UnitID) bool) []hierarchy.OccupantID {
	affected := sorted(v.t.occupants, byName, func(o hierarchy.Occupant) bool {
		return o.Assigned() && match(*o.UnitID)
	})
	now := v.now()
	ids := make([]hierarchy.OccupantID, len(affected))
	for i, o := range affected {
		o.UnitID = nil
		o.UpdatedAt = now
		v.t.occupants[o.ID] = o
		ids[i] = o.ID
	}
	return ids
}

// =============================================================================
// HELPERS
// =============================================================================

func sorted[K comparable, V any](m map[K]V, compare func(a, b V) int, keep func(V) bool) []V {
	var out []V
	for _, v := range m {
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, compare)
	return out
}

func byUnitNumber(a, b hierarchy.Unit) int {
	return cmp.Compare(a.UnitNumber, b.UnitNumber)
}

func byName(a, b hierarchy.Occupant) int {
	return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
}

// normalize rounds values the way the SQL store persists them.
func normalize(o hierarchy.Occupant) hierarchy.Occupant {
	o.MonthlyFee = o.MonthlyFee.Round(2)
	o.BalanceDue = o.BalanceDue.Round(2)
	if !o.BirthDate.IsZero() {
		y, mo, d := o.BirthDate.Date()
		o.BirthDate = time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	}
	if o.UnitID != nil {
		o.UnitID = hierarchy.Ptr(*o.UnitID)
	}
	return o
}
