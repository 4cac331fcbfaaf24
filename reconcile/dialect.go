package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Dialect inspects the current structure and renders additive DDL.
type Dialect interface {
	Name() string

	TableExists(ctx context.Context, q Querier, table string) (bool, error)
	Columns(ctx context.Context, q Querier, table string) ([]string, error)
	HasForeignKey(ctx context.Context, q Querier, table string, fk ForeignKey) (bool, error)
	HasUnique(ctx context.Context, q Querier, table string, u Unique) (bool, error)

	// CreateTable renders the full table definition including the given
	// foreign keys (only those whose targets already exist).
	CreateTable(t Table, fks []ForeignKey) []string
	AddColumn(table string, c Column) []string
	AddForeignKey(table string, fk ForeignKey) []string
	AddUnique(table string, u Unique) []string
}

// DialectFor returns the dialect for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return SQLite{}, nil
	case "postgres", "pgx":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("reconcile: no dialect for driver %q", driver)
	}
}

// columnDef renders "name TYPE [PRIMARY KEY] [NOT NULL] [DEFAULT x]".
func columnDef(c Column, sqlType string) string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteString(" ")
	b.WriteString(sqlType)
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
		return b.String()
	}
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	return b.String()
}

func onDeleteClause(fk ForeignKey) string {
	if fk.OnDelete == "" {
		return ""
	}
	return " ON DELETE " + fk.OnDelete
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
