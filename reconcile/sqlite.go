package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// =============================================================================
// SQLITE DIALECT
// =============================================================================

// SQLite inspects structure through the pragma table-valued functions.
//
// SQLite cannot ALTER TABLE ... ADD CONSTRAINT, so a foreign key on an
// existing column is enforced with three triggers instead:
//
//	fk_<table>_<column>_ins  BEFORE INSERT on the child table
//	fk_<table>_<column>_upd  BEFORE UPDATE OF <column> on the child table
//	fk_<table>_<column>_del  on the referenced table (cascade, set null or restrict)
//
// Unique constraints on existing tables become unique indexes.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite3" }

func (SQLite) sqlType(t ColumnType) string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	default:
		// Decimals and timestamps are stored as TEXT (decimal string, RFC3339).
		return "TEXT"
	}
}

func (SQLite) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&n)
	return n > 0, err
}

func (SQLite) Columns(ctx context.Context, q Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (d SQLite) HasForeignKey(ctx context.Context, q Querier, table string, fk ForeignKey) (bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT "table", "from", "to" FROM pragma_foreign_key_list(?)`, table)
	if err != nil {
		return false, err
	}
	found := false
	for rows.Next() {
		var refTable, from string
		var to sql.NullString
		if err := rows.Scan(&refTable, &from, &to); err != nil {
			rows.Close()
			return false, err
		}
		refColumn := to.String
		if !to.Valid || refColumn == "" {
			refColumn = "id" // implicit primary key reference
		}
		if strings.EqualFold(refTable, fk.RefTable) &&
			strings.EqualFold(from, fk.Column) &&
			strings.EqualFold(refColumn, fk.RefColumn) {
			found = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	if found {
		return true, nil
	}

	// Trigger-enforced key added by an earlier pass
	var n int
	err = q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND name = ?",
		d.triggerName(table, fk, "ins"),
	).Scan(&n)
	return n > 0, err
}

func (SQLite) HasUnique(ctx context.Context, q Querier, table string, u Unique) (bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name FROM pragma_index_list(?) WHERE "unique" = 1`, table)
	if err != nil {
		return false, err
	}
	names, err := scanStrings(rows)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		rows, err := q.QueryContext(ctx,
			"SELECT name FROM pragma_index_info(?) ORDER BY seqno", name)
		if err != nil {
			return false, err
		}
		cols, err := scanStrings(rows)
		if err != nil {
			return false, err
		}
		if sameColumns(cols, u.Columns) {
			return true, nil
		}
	}
	return false, nil
}

func (d SQLite) CreateTable(t Table, fks []ForeignKey) []string {
	var defs []string
	for _, c := range t.Columns {
		defs = append(defs, columnDef(c, d.sqlType(c.Type)))
	}
	for _, fk := range fks {
		defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s)%s",
			fk.Column, fk.RefTable, fk.RefColumn, onDeleteClause(fk)))
	}
	for _, u := range t.Uniques {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)",
			u.Name, strings.Join(u.Columns, ", ")))
	}
	return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		t.Name, strings.Join(defs, ",\n\t"))}
}

func (d SQLite) AddColumn(table string, c Column) []string {
	return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, columnDef(c, d.sqlType(c.Type)))}
}

func (d SQLite) AddForeignKey(table string, fk ForeignKey) []string {
	check := fmt.Sprintf("NEW.%[1]s IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %[2]s WHERE %[3]s = NEW.%[1]s)",
		fk.Column, fk.RefTable, fk.RefColumn)
	raise := fmt.Sprintf("SELECT RAISE(ABORT, 'foreign key violation: %s.%s');", table, fk.Column)

	stmts := []string{
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s BEFORE INSERT ON %s WHEN %s BEGIN %s END",
			d.triggerName(table, fk, "ins"), table, check, raise),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s BEFORE UPDATE OF %s ON %s WHEN %s BEGIN %s END",
			d.triggerName(table, fk, "upd"), fk.Column, table, check, raise),
	}

	var onDelete string
	switch strings.ToUpper(fk.OnDelete) {
	case "CASCADE":
		onDelete = fmt.Sprintf("AFTER DELETE ON %s BEGIN DELETE FROM %s WHERE %s = OLD.%s; END",
			fk.RefTable, table, fk.Column, fk.RefColumn)
	case "SET NULL":
		onDelete = fmt.Sprintf("AFTER DELETE ON %s BEGIN UPDATE %s SET %s = NULL WHERE %s = OLD.%s; END",
			fk.RefTable, table, fk.Column, fk.Column, fk.RefColumn)
	default:
		onDelete = fmt.Sprintf("BEFORE DELETE ON %s WHEN EXISTS (SELECT 1 FROM %s WHERE %s = OLD.%s) BEGIN %s END",
			fk.RefTable, table, fk.Column, fk.RefColumn, raise)
	}
	stmts = append(stmts, fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s %s",
		d.triggerName(table, fk, "del"), onDelete))
	return stmts
}

func (SQLite) AddUnique(table string, u Unique) []string {
	return []string{fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(%s)",
		u.Name, table, strings.Join(u.Columns, ", "))}
}

func (SQLite) triggerName(table string, fk ForeignKey, suffix string) string {
	return fk.Name(table) + "_" + suffix
}
