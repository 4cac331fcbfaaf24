package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/residence-registry/fault"
	"github.com/warp/residence-registry/hierarchy"
)

// conn is satisfied by both *sql.DB and *sql.Tx.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the SQL of every store operation. It carries no locking;
// Store decides whether it runs over the pool or inside a transaction.
type queries struct {
	db  conn
	now func() time.Time
}

var _ hierarchy.Store = queries{}

const (
	propertyColumns = "id, label, image_path, created_at"
	levelColumns    = "id, property_id, ordinal, name, image_path, created_at"
	unitColumns     = "id, property_id, level_id, unit_number, created_at"
	occupantColumns = "id, unit_id, name, birth_date, household_size, monthly_fee, balance_due, creator_ref, status, created_at, updated_at"
)

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// PROPERTIES
// =============================================================================

func (q queries) UpsertProperty(ctx context.Context, label string, data hierarchy.PropertyData) (hierarchy.Property, error) {
	if err := hierarchy.ValidateLabel(label); err != nil {
		return hierarchy.Property{}, err
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO properties (id, label, image_path, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(label) DO NOTHING
	`, uuid.NewString(), label, nullString(data.ImagePath), formatTime(q.now()))
	if err != nil {
		return hierarchy.Property{}, fmt.Errorf("failed to upsert property: %w", err)
	}

	row := q.db.QueryRowContext(ctx, "SELECT "+propertyColumns+" FROM properties WHERE label = ?", label)
	return scanProperty(row)
}

func (q queries) GetProperty(ctx context.Context, id hierarchy.PropertyID) (hierarchy.Property, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+propertyColumns+" FROM properties WHERE id = ?", id)
	p, err := scanProperty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return hierarchy.Property{}, fault.NotFound("property", string(id))
	}
	return p, err
}

func (q queries) ListProperties(ctx context.Context) ([]hierarchy.Property, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT "+propertyColumns+" FROM properties ORDER BY label")
	if err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	return collect(rows, scanProperty)
}

func (q queries) SetPropertyImage(ctx context.Context, id hierarchy.PropertyID, path string) error {
	res, err := q.db.ExecContext(ctx, "UPDATE properties SET image_path = ? WHERE id = ?", nullString(path), id)
	if err != nil {
		return fmt.Errorf("failed to set property image: %w", err)
	}
	return mustAffect(res, "property", string(id))
}

func scanProperty(row scanner) (hierarchy.Property, error) {
	var p hierarchy.Property
	var image, created sql.NullString
	if err := row.Scan(&p.ID, &p.Label, &image, &created); err != nil {
		return hierarchy.Property{}, err
	}
	p.ImagePath = image.String
	p.CreatedAt = parseTime(created)
	return p, nil
}

// =============================================================================
// LEVELS
// =============================================================================

func (q queries) UpsertLevel(ctx context.Context, propertyID hierarchy.PropertyID, ordinal int, data hierarchy.LevelData) (hierarchy.Level, error) {
	if err := hierarchy.ValidateOrdinal(ordinal); err != nil {
		return hierarchy.Level{}, err
	}
	if _, err := q.GetProperty(ctx, propertyID); err != nil {
		return hierarchy.Level{}, err
	}

	name := data.Name
	if name == "" {
		name = fmt.Sprintf("Level %d", ordinal)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO levels (id, property_id, ordinal, name, image_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(property_id, ordinal) DO NOTHING
	`, uuid.NewString(), propertyID, ordinal, name, nullString(data.ImagePath), formatTime(q.now()))
	if err != nil {
		return hierarchy.Level{}, fmt.Errorf("failed to upsert level: %w", err)
	}

	row := q.db.QueryRowContext(ctx,
		"SELECT "+levelColumns+" FROM levels WHERE property_id = ? AND ordinal = ?", propertyID, ordinal)
	return scanLevel(row)
}

func (q queries) GetLevel(ctx context.Context, id hierarchy.LevelID) (hierarchy.Level, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+levelColumns+" FROM levels WHERE id = ?", id)
	l, err := scanLevel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return hierarchy.Level{}, fault.NotFound("level", string(id))
	}
	return l, err
}

func (q queries) ListLevels(ctx context.Context, propertyID hierarchy.PropertyID) ([]hierarchy.Level, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+levelColumns+" FROM levels WHERE property_id = ? ORDER BY ordinal", propertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list levels: %w", err)
	}
	return collect(rows, scanLevel)
}

func (q queries) SetLevelImage(ctx context.Context, id hierarchy.LevelID, path string) error {
	res, err := q.db.ExecContext(ctx, "UPDATE levels SET image_path = ? WHERE id = ?", nullString(path), id)
	if err != nil {
		return fmt.Errorf("failed to set level image: %w", err)
	}
	return mustAffect(res, "level", string(id))
}

// DeleteLevel detaches the level's units (they stay on the property) and
// removes the level.
func (q queries) DeleteLevel(ctx context.Context, id hierarchy.LevelID) ([]hierarchy.UnitID, error) {
	if _, err := q.GetLevel(ctx, id); err != nil {
		return nil, err
	}
	units, err := q.ids(ctx, "SELECT id FROM units WHERE level_id = ? ORDER BY unit_number", id)
	if err != nil {
		return nil, err
	}
	if _, err := q.db.ExecContext(ctx, "UPDATE units SET level_id = NULL WHERE level_id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to detach units: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, "DELETE FROM levels WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to delete level: %w", err)
	}
	return convertIDs[hierarchy.UnitID](units), nil
}

func scanLevel(row scanner) (hierarchy.Level, error) {
	var l hierarchy.Level
	var image, created sql.NullString
	if err := row.Scan(&l.ID, &l.PropertyID, &l.Ordinal, &l.Name, &image, &created); err != nil {
		return hierarchy.Level{}, err
	}
	l.ImagePath = image.String
	l.CreatedAt = parseTime(created)
	return l, nil
}

// =============================================================================
// UNITS
// =============================================================================

func (q queries) UpsertUnit(ctx context.Context, propertyID hierarchy.PropertyID, unitNumber string, data hierarchy.UnitData) (hierarchy.Unit, error) {
	if err := hierarchy.ValidateUnitNumber(unitNumber); err != nil {
		return hierarchy.Unit{}, err
	}
	if _, err := q.GetProperty(ctx, propertyID); err != nil {
		return hierarchy.Unit{}, err
	}
	var levelID sql.NullString
	if data.LevelID != nil {
		level, err := q.GetLevel(ctx, *data.LevelID)
		if err != nil {
			return hierarchy.Unit{}, err
		}
		if level.PropertyID != propertyID {
			return hierarchy.Unit{}, fault.Validation("level_id",
				"level %s belongs to property %s, not %s", level.ID, level.PropertyID, propertyID)
		}
		levelID = nullString(string(level.ID))
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO units (id, property_id, level_id, unit_number, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(property_id, unit_number) DO NOTHING
	`, uuid.NewString(), propertyID, levelID, unitNumber, formatTime(q.now()))
	if err != nil {
		return hierarchy.Unit{}, fmt.Errorf("failed to upsert unit: %w", err)
	}

	row := q.db.QueryRowContext(ctx,
		"SELECT "+unitColumns+" FROM units WHERE property_id = ? AND unit_number = ?", propertyID, unitNumber)
	return scanUnit(row)
}

func (q queries) GetUnit(ctx context.Context, id hierarchy.UnitID) (hierarchy.Unit, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+unitColumns+" FROM units WHERE id = ?", id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return hierarchy.Unit{}, fault.NotFound("unit", string(id))
	}
	return u, err
}

func (q queries) ListUnits(ctx context.Context, levelID hierarchy.LevelID) ([]hierarchy.Unit, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+unitColumns+" FROM units WHERE level_id = ? ORDER BY unit_number", levelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	return collect(rows, scanUnit)
}

func (q queries) ListUnitsByProperty(ctx context.Context, propertyID hierarchy.PropertyID) ([]hierarchy.Unit, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+unitColumns+" FROM units WHERE property_id = ? ORDER BY unit_number", propertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	return collect(rows, scanUnit)
}

// DeleteUnit unassigns the unit's occupants and removes the unit.
func (q queries) DeleteUnit(ctx context.Context, id hierarchy.UnitID) ([]hierarchy.OccupantID, error) {
	if _, err := q.GetUnit(ctx, id); err != nil {
		return nil, err
	}
	occupants, err := q.ids(ctx, "SELECT id FROM occupants WHERE unit_id = ? ORDER BY name", id)
	if err != nil {
		return nil, err
	}
	if _, err := q.db.ExecContext(ctx,
		"UPDATE occupants SET unit_id = NULL, updated_at = ? WHERE unit_id = ?", formatTime(q.now()), id,
	); err != nil {
		return nil, fmt.Errorf("failed to unassign occupants: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, "DELETE FROM units WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to delete unit: %w", err)
	}
	return convertIDs[hierarchy.OccupantID](occupants), nil
}

func scanUnit(row scanner) (hierarchy.Unit, error) {
	var u hierarchy.Unit
	var propertyID, levelID, created sql.NullString
	if err := row.Scan(&u.ID, &propertyID, &levelID, &u.UnitNumber, &created); err != nil {
		return hierarchy.Unit{}, err
	}
	u.PropertyID = hierarchy.PropertyID(propertyID.String)
	if levelID.Valid {
		u.LevelID = hierarchy.Ptr(hierarchy.LevelID(levelID.String))
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

// =============================================================================
// OCCUPANTS
// =============================================================================

func (q queries) CreateOccupant(ctx context.Context, o hierarchy.Occupant) (hierarchy.Occupant, error) {
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
		if _, err := q.GetUnit(ctx, *o.UnitID); err != nil {
			return hierarchy.Occupant{}, err
		}
	}
	if o.ID == "" {
		o.ID = hierarchy.OccupantID(uuid.NewString())
	}
	now := q.now()
	o.CreatedAt, o.UpdatedAt = now, now

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO occupants (`+occupantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, unitArg(o.UnitID), o.Name, dateArg(o.BirthDate), o.HouseholdSize,
		o.MonthlyFee.StringFixed(2), o.BalanceDue.StringFixed(2), nullString(o.CreatorRef),
		string(o.Status), formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueConstraintError(err) {
			return hierarchy.Occupant{}, fault.Conflict("occupant", string(o.ID), "id already exists")
		}
		return hierarchy.Occupant{}, fmt.Errorf("failed to create occupant: %w", err)
	}
	return q.GetOccupant(ctx, o.ID)
}

func (q queries) UpdateOccupant(ctx context.Context, o hierarchy.Occupant) (hierarchy.Occupant, error) {
	if err := hierarchy.ValidateOccupant(o); err != nil {
		return hierarchy.Occupant{}, err
	}
	status := o.Status
	if status == "" {
		status = hierarchy.StatusActive
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE occupants
		SET name = ?, birth_date = ?, household_size = ?, monthly_fee = ?, balance_due = ?,
		    status = ?, updated_at = ?
		WHERE id = ?
	`, o.Name, dateArg(o.BirthDate), o.HouseholdSize, o.MonthlyFee.StringFixed(2),
		o.BalanceDue.StringFixed(2), string(status), formatTime(q.now()), o.ID)
	if err != nil {
		return hierarchy.Occupant{}, fmt.Errorf("failed to update occupant: %w", err)
	}
	if err := mustAffect(res, "occupant", string(o.ID)); err != nil {
		return hierarchy.Occupant{}, err
	}
	return q.GetOccupant(ctx, o.ID)
}

func (q queries) DeleteOccupant(ctx context.Context, id hierarchy.OccupantID) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM occupants WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete occupant: %w", err)
	}
	return mustAffect(res, "occupant", string(id))
}

func (q queries) GetOccupant(ctx context.Context, id hierarchy.OccupantID) (hierarchy.Occupant, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+occupantColumns+" FROM occupants WHERE id = ?", id)
	o, err := scanOccupant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return hierarchy.Occupant{}, fault.NotFound("occupant", string(id))
	}
	return o, err
}

func (q queries) ListOccupants(ctx context.Context, unitID hierarchy.UnitID) ([]hierarchy.Occupant, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+occupantColumns+" FROM occupants WHERE unit_id = ? ORDER BY name, id", unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to list occupants: %w", err)
	}
	return collect(rows, scanOccupant)
}

func (q queries) ListUnassignedOccupants(ctx context.Context) ([]hierarchy.Occupant, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+occupantColumns+" FROM occupants WHERE unit_id IS NULL ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list unassigned occupants: %w", err)
	}
	return collect(rows, scanOccupant)
}

// AssignOccupant moves the occupant into unitID. Assigning to the unit the
// occupant already lives in is a no-op.
func (q queries) AssignOccupant(ctx context.Context, occupantID hierarchy.OccupantID, unitID hierarchy.UnitID, override bool) (hierarchy.Occupant, error) {
	o, err := q.GetOccupant(ctx, occupantID)
	if err != nil {
		return hierarchy.Occupant{}, err
	}
	if _, err := q.GetUnit(ctx, unitID); err != nil {
		return hierarchy.Occupant{}, err
	}
	if o.InUnit(unitID) {
		return o, nil
	}
	if o.Assigned() && !override {
		return hierarchy.Occupant{}, fault.Conflict("occupant", string(occupantID),
			"already assigned to unit %s", *o.UnitID)
	}

	_, err = q.db.ExecContext(ctx,
		"UPDATE occupants SET unit_id = ?, updated_at = ? WHERE id = ?",
		unitID, formatTime(q.now()), occupantID)
	if err != nil {
		return hierarchy.Occupant{}, fmt.Errorf("failed to assign occupant: %w", err)
	}
	return q.GetOccupant(ctx, occupantID)
}

func scanOccupant(row scanner) (hierarchy.Occupant, error) {
	var o hierarchy.Occupant
	var unitID, birth, fee, balance, creator, status, created, updated sql.NullString
	var household sql.NullInt64
	if err := row.Scan(&o.ID, &unitID, &o.Name, &birth, &household, &fee, &balance,
		&creator, &status, &created, &updated); err != nil {
		return hierarchy.Occupant{}, err
	}
	if unitID.Valid {
		o.UnitID = hierarchy.Ptr(hierarchy.UnitID(unitID.String))
	}
	o.BirthDate = parseTime(birth)
	o.HouseholdSize = int(household.Int64)
	if !household.Valid || o.HouseholdSize < 1 {
		o.HouseholdSize = 1
	}
	var err error
	if o.MonthlyFee, err = parseAmount(fee); err != nil {
		return hierarchy.Occupant{}, fmt.Errorf("occupant %s monthly_fee: %w", o.ID, err)
	}
	if o.BalanceDue, err = parseAmount(balance); err != nil {
		return hierarchy.Occupant{}, fmt.Errorf("occupant %s balance_due: %w", o.ID, err)
	}
	o.CreatorRef = creator.String
	o.Status = hierarchy.OccupantStatus(strings.ToUpper(status.String))
	if !o.Status.Valid() {
		o.Status = hierarchy.StatusActive
	}
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	return o, nil
}

// =============================================================================
// CASCADES
// =============================================================================

// DeleteProperty removes the property, its levels and its units, and
// unassigns every occupant of those units. Occupant rows are kept.
//
// Units are matched by property_id and by level, so a legacy unit whose
// property link was never backfilled still goes with its level.
func (q queries) DeleteProperty(ctx context.Context, id hierarchy.PropertyID) (hierarchy.CascadeResult, error) {
	if _, err := q.GetProperty(ctx, id); err != nil {
		return hierarchy.CascadeResult{}, err
	}

	const unitsOfProperty = `SELECT id FROM units
		WHERE property_id = ? OR level_id IN (SELECT id FROM levels WHERE property_id = ?)`

	levels, err := q.ids(ctx, "SELECT id FROM levels WHERE property_id = ? ORDER BY ordinal", id)
	if err != nil {
		return hierarchy.CascadeResult{}, err
	}
	units, err := q.ids(ctx, unitsOfProperty+" ORDER BY unit_number", id, id)
	if err != nil {
		return hierarchy.CascadeResult{}, err
	}
	occupants, err := q.ids(ctx,
		"SELECT id FROM occupants WHERE unit_id IN ("+unitsOfProperty+") ORDER BY name, id", id, id)
	if err != nil {
		return hierarchy.CascadeResult{}, err
	}

	steps := []struct {
		query string
		args  []any
	}{
		{"UPDATE occupants SET unit_id = NULL, updated_at = ? WHERE unit_id IN (" + unitsOfProperty + ")",
			[]any{formatTime(q.now()), id, id}},
		{"DELETE FROM units WHERE property_id = ? OR level_id IN (SELECT id FROM levels WHERE property_id = ?)",
			[]any{id, id}},
		{"DELETE FROM levels WHERE property_id = ?", []any{id}},
		{"DELETE FROM properties WHERE id = ?", []any{id}},
	}
	for _, step := range steps {
		if _, err := q.db.ExecContext(ctx, step.query, step.args...); err != nil {
			return hierarchy.CascadeResult{}, fmt.Errorf("failed to delete property %s: %w", id, err)
		}
	}

	return hierarchy.CascadeResult{
		RemovedLevels:         convertIDs[hierarchy.LevelID](levels),
		RemovedUnits:          convertIDs[hierarchy.UnitID](units),
		UnassignedOccupantIDs: convertIDs[hierarchy.OccupantID](occupants),
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (q queries) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	return collect(rows, func(row scanner) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func convertIDs[T ~string](ids []string) []T {
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = T(id)
	}
	return out
}

func mustAffect(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.NotFound(kind, id)
	}
	return nil
}

func parseAmount(s sql.NullString) (decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s.String)
}

func unitArg(id *hierarchy.UnitID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func dateArg(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return nullString(t.Format(time.DateOnly))
}
