/*
Package reconcile brings a live relational store into structural conformance
with a target model using additive changes only.

PURPOSE:
  The registry started as a flat, already-populated schema (units with free
  text tower/floor columns, residents carrying a unit number). The normalized
  hierarchy needs new tables, new link columns, foreign keys and natural-key
  unique constraints. The reconciler adds whatever is missing and nothing
  else: it never drops, renames or rewrites existing data.

KEY CONCEPTS IN THIS FILE (model.go):
  - Model:      ordered list of target tables (referenced tables first)
  - Table:      columns, foreign keys and unique constraints
  - ColumnType: abstract types mapped to SQL by each Dialect

ALGORITHM:
  For each table, then for each required element:
    1. inspect the current structure
    2. apply the addition only if absent
  Every addition is guarded on its own. A failure (e.g. a foreign key whose
  referenced column does not exist yet) is recorded as Blocked in the report
  and the pass continues.

FIXED POINT:
  A second run after a successful first pass performs zero additions.

SEE ALSO:
  - reconciler.go: The pass itself
  - sqlite.go, postgres.go: Dialects
  - hierarchy.go: Target model for the residence registry
*/
package reconcile

import (
	"fmt"
	"strings"
)

// =============================================================================
// MODEL - Target structure
// =============================================================================

type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInteger   ColumnType = "integer"
	TypeDecimal   ColumnType = "decimal"
	TypeTimestamp ColumnType = "timestamp"
)

// Column is one target column. Default is a raw SQL literal ("0", "'ACTIVE'").
type Column struct {
	Name       string
	Type       ColumnType
	PrimaryKey bool
	Nullable   bool
	Default    string
}

// ForeignKey links Column to RefTable(RefColumn).
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
	OnDelete  string // "CASCADE", "SET NULL" or "" (restrict)
}

// Name is the deterministic constraint name for the key on table.
func (fk ForeignKey) Name(table string) string {
	return fmt.Sprintf("fk_%s_%s", table, fk.Column)
}

// Unique is a named unique constraint over one or more columns.
type Unique struct {
	Name    string
	Columns []string
}

type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []ForeignKey
	Uniques     []Unique
}

// Column returns the column definition by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Model is an ordered set of tables. Referenced tables come first.
type Model []Table

// Table returns the table definition by name.
func (m Model) Table(name string) (Table, bool) {
	for _, t := range m {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Validate checks the model itself: every foreign key and unique constraint
// must name columns the model declares.
func (m Model) Validate() error {
	for _, t := range m {
		for _, fk := range t.ForeignKeys {
			if _, ok := t.Column(fk.Column); !ok {
				return fmt.Errorf("model: %s references undeclared column %s", fk.Name(t.Name), fk.Column)
			}
		}
		for _, u := range t.Uniques {
			for _, c := range u.Columns {
				if _, ok := t.Column(c); !ok {
					return fmt.Errorf("model: %s references undeclared column %s", u.Name, c)
				}
			}
		}
	}
	return nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func contains(list []string, name string) bool {
	for _, s := range list {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}
