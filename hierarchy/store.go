/*
store.go - Persistence interface for the location/occupant hierarchy

PURPOSE:
  Defines the boundary between the assignment workflow and the database.
  Every mutation (upsert, assign, cascade delete) is one atomic transaction;
  a concurrent reader never observes a cascade half applied.

KEY INTERFACES:
  Store:   Hierarchy persistence and queries
  TxStore: Store plus WithTx for multi-call atomic operations

IDEMPOTENT UPSERTS:
  Upserts resolve by natural key, never by surrogate id:
  - UpsertProperty: label
  - UpsertLevel:    (propertyID, ordinal)
  - UpsertUnit:     (propertyID, unitNumber)
  An existing row is returned unchanged, so seeding and reconciliation can
  run any number of times without creating duplicates.

CONCURRENCY:
  Two concurrent AssignOccupant calls for the same occupant race at the
  transaction boundary; the last commit wins. There is no optimistic lock.

ERRORS:
  Implementations return fault.ValidationError, fault.NotFoundError and
  fault.ConflictError directly to the caller.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go

SEE ALSO:
  - types.go: Entity definitions
  - assignment/service.go: Workflow using Store
*/
package hierarchy

import "context"

// =============================================================================
// STORE - Hierarchy persistence
// =============================================================================

type Store interface {
	// UpsertProperty creates the property if no property has this label,
	// otherwise returns the existing one unchanged.
	UpsertProperty(ctx context.Context, label string, data PropertyData) (Property, error)

	// UpsertLevel is idempotent by (propertyID, ordinal).
	// Fails with NotFoundError when the property does not exist.
	UpsertLevel(ctx context.Context, propertyID PropertyID, ordinal int, data LevelData) (Level, error)

	// UpsertUnit is idempotent by (propertyID, unitNumber). A supplied level
	// must belong to the same property (ValidationError otherwise).
	UpsertUnit(ctx context.Context, propertyID PropertyID, unitNumber string, data UnitData) (Unit, error)

	GetProperty(ctx context.Context, id PropertyID) (Property, error)
	GetLevel(ctx context.Context, id LevelID) (Level, error)
	GetUnit(ctx context.Context, id UnitID) (Unit, error)
	GetOccupant(ctx context.Context, id OccupantID) (Occupant, error)

	ListProperties(ctx context.Context) ([]Property, error)
	ListLevels(ctx context.Context, propertyID PropertyID) ([]Level, error)
	ListUnits(ctx context.Context, levelID LevelID) ([]Unit, error)
	ListUnitsByProperty(ctx context.Context, propertyID PropertyID) ([]Unit, error)
	ListOccupants(ctx context.Context, unitID UnitID) ([]Occupant, error)
	ListUnassignedOccupants(ctx context.Context) ([]Occupant, error)

	SetPropertyImage(ctx context.Context, id PropertyID, path string) error
	SetLevelImage(ctx context.Context, id LevelID, path string) error

	// CreateOccupant inserts a new occupant. An empty ID is generated.
	CreateOccupant(ctx context.Context, o Occupant) (Occupant, error)

	// UpdateOccupant rewrites the editable fields. UnitID is ignored;
	// placement only changes through AssignOccupant or a cascade.
	UpdateOccupant(ctx context.Context, o Occupant) (Occupant, error)

	DeleteOccupant(ctx context.Context, id OccupantID) error

	// AssignOccupant places the occupant in the unit. Fails with
	// NotFoundError when the unit is unknown, and with ConflictError when the
	// occupant already lives in another unit and override is false.
	AssignOccupant(ctx context.Context, occupantID OccupantID, unitID UnitID, override bool) (Occupant, error)

	// DeleteProperty removes the property with its levels and units and
	// unassigns the occupants of those units.
	DeleteProperty(ctx context.Context, id PropertyID) (CascadeResult, error)

	// DeleteLevel removes the level; its units stay with LevelID = nil.
	DeleteLevel(ctx context.Context, id LevelID) ([]UnitID, error)

	// DeleteUnit removes the unit and returns the occupants it unassigned.
	DeleteUnit(ctx context.Context, id UnitID) ([]OccupantID, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
