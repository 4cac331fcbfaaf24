/*
Package hierarchy provides the location/occupant data model.

PURPOSE:
  Four entity levels, top to bottom:

    Property -> Level -> Unit -> Occupant

  A Property is the physical structure, a Level is a floor within it, a Unit
  is an addressable dwelling, and an Occupant is a person record living in at
  most one Unit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Typed IDs: PropertyID, LevelID, UnitID, OccupantID cannot be mixed up
  - Natural keys: Property.Label, (PropertyID, Ordinal), (PropertyID, UnitNumber)
  - Nullable links: Unit.LevelID and Occupant.UnitID are pointers (nil = unset)
  - Money: Occupant financial fields use decimal.Decimal

INVARIANTS (enforced by Store implementations):
  1. Level.PropertyID is always valid; Ordinal is unique per Property.
  2. A Unit's Level, when set, belongs to the Unit's Property.
  3. Occupant.UnitID = nil is reached by deletion cascades or by creating an
     occupant without a placement.
  4. Asset paths never embed labels or names (see assets package).
  5. Deleting a Property removes its Levels and Units and unassigns their
     Occupants. Occupants are never deleted by a cascade.

SEE ALSO:
  - store.go: Store interface
  - store/sqlite/sqlite.go: SQLite implementation
  - assignment/service.go: Workflow built on the Store
*/
package hierarchy

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PropertyID string
type LevelID string
type UnitID string
type OccupantID string

// =============================================================================
// ENTITIES
// =============================================================================

// Property is the top-level physical structure. Label is its natural key.
type Property struct {
	ID        PropertyID
	Label     string
	ImagePath string // empty = no primary image
	CreatedAt time.Time
}

// PropertyData holds the mutable attributes supplied on creation.
type PropertyData struct {
	ImagePath string
}

// Level is a floor within a Property, keyed by (PropertyID, Ordinal).
type Level struct {
	ID         LevelID
	PropertyID PropertyID
	Ordinal    int
	Name       string
	ImagePath  string
	CreatedAt  time.Time
}

type LevelData struct {
	Name      string
	ImagePath string
}

// Unit is an addressable dwelling, keyed by (PropertyID, UnitNumber).
// Units migrated from a flat layout may carry no Level.
type Unit struct {
	ID         UnitID
	PropertyID PropertyID
	LevelID    *LevelID // nil = not attached to a level
	UnitNumber string
	CreatedAt  time.Time
}

type UnitData struct {
	LevelID *LevelID
}

// OccupantStatus is the administrative status of an occupant.
type OccupantStatus string

const (
	StatusActive    OccupantStatus = "ACTIVE"
	StatusSuspended OccupantStatus = "SUSPENDED"
)

func (s OccupantStatus) Valid() bool {
	return s == StatusActive || s == StatusSuspended
}

// Occupant is a person record associated with at most one Unit.
type Occupant struct {
	ID            OccupantID
	UnitID        *UnitID // nil = unassigned
	Name          string
	BirthDate     time.Time
	HouseholdSize int

	// Financial fields
	MonthlyFee decimal.Decimal
	BalanceDue decimal.Decimal

	CreatorRef string // who created the record
	Status     OccupantStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Assigned reports whether the occupant currently lives in a unit.
func (o Occupant) Assigned() bool {
	return o.UnitID != nil
}

// InUnit reports whether the occupant is assigned to the given unit.
func (o Occupant) InUnit(id UnitID) bool {
	return o.UnitID != nil && *o.UnitID == id
}

// HasDebt reports whether the occupant owes a positive balance.
func (o Occupant) HasDebt() bool {
	return o.BalanceDue.IsPositive()
}

// =============================================================================
// CASCADE RESULTS
// =============================================================================

// CascadeResult summarizes what a Property deletion removed or detached.
type CascadeResult struct {
	RemovedLevels         []LevelID
	RemovedUnits          []UnitID
	UnassignedOccupantIDs []OccupantID
}

// Ptr returns a pointer to v. Handy for nullable links in literals.
func Ptr[T any](v T) *T {
	return &v
}
