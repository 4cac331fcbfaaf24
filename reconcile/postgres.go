package reconcile

import (
	"context"
	"fmt"
	"strings"
)

// =============================================================================
// POSTGRES DIALECT
// =============================================================================

// Postgres inspects information_schema / pg_catalog in the current schema
// and adds constraints with ALTER TABLE.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) sqlType(t ColumnType) string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeDecimal:
		return "NUMERIC(14,2)"
	case TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

const pgTableExists = `SELECT COUNT(*) FROM information_schema.tables
WHERE table_schema = current_schema() AND table_name = $1`

const pgColumns = `SELECT column_name FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`

const pgForeignKey = `SELECT COUNT(*)
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND tc.table_schema = current_schema()
  AND tc.table_name = $1 AND kcu.column_name = $2
  AND ccu.table_name = $3 AND ccu.column_name = $4`

const pgUniqueSets = `SELECT string_agg(a.attname, ',' ORDER BY k.ord)
FROM pg_index i
JOIN pg_class t ON t.oid = i.indrelid
JOIN pg_namespace n ON n.oid = t.relnamespace
CROSS JOIN LATERAL unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord)
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
WHERE i.indisunique AND NOT i.indisprimary
  AND n.nspname = current_schema() AND t.relname = $1
GROUP BY i.indexrelid`

func (Postgres) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, pgTableExists, table).Scan(&n)
	return n > 0, err
}

func (Postgres) Columns(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, pgColumns, table)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (Postgres) HasForeignKey(ctx context.Context, q Querier, table string, fk ForeignKey) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, pgForeignKey, table, fk.Column, fk.RefTable, fk.RefColumn).Scan(&n)
	return n > 0, err
}

func (Postgres) HasUnique(ctx context.Context, q Querier, table string, u Unique) (bool, error) {
	rows, err := q.QueryContext(ctx, pgUniqueSets, table)
	if err != nil {
		return false, err
	}
	sets, err := scanStrings(rows)
	if err != nil {
		return false, err
	}
	for _, set := range sets {
		if sameColumns(strings.Split(set, ","), u.Columns) {
			return true, nil
		}
	}
	return false, nil
}

func (d Postgres) CreateTable(t Table, fks []ForeignKey) []string {
	var defs []string
	for _, c := range t.Columns {
		defs = append(defs, columnDef(c, d.sqlType(c.Type)))
	}
	for _, fk := range fks {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s(%s)%s",
			fk.Name(t.Name), fk.Column, fk.RefTable, fk.RefColumn, onDeleteClause(fk)))
	}
	for _, u := range t.Uniques {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)",
			u.Name, strings.Join(u.Columns, ", ")))
	}
	return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		t.Name, strings.Join(defs, ",\n\t"))}
}

func (d Postgres) AddColumn(table string, c Column) []string {
	return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s",
		table, columnDef(c, d.sqlType(c.Type)))}
}

func (Postgres) AddForeignKey(table string, fk ForeignKey) []string {
	return []string{fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s(%s)%s",
		table, fk.Name(table), fk.Column, fk.RefTable, fk.RefColumn, onDeleteClause(fk))}
}

func (Postgres) AddUnique(table string, u Unique) []string {
	return []string{fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
		table, u.Name, strings.Join(u.Columns, ", "))}
}
