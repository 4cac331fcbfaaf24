package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Reconciler) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, New(db, Postgres{}, nil)
}

func levelsModel() Model {
	return Model{{
		Name: "levels",
		Columns: []Column{
			{Name: "id", Type: TypeText, PrimaryKey: true},
			{Name: "property_id", Type: TypeText, Default: "''"},
			{Name: "ordinal", Type: TypeInteger, Default: "0"},
		},
		ForeignKeys: []ForeignKey{
			{Column: "property_id", RefTable: "properties", RefColumn: "id", OnDelete: "CASCADE"},
		},
		Uniques: []Unique{
			{Name: "uq_levels_property_ordinal", Columns: []string{"property_id", "ordinal"}},
		},
	}}
}

func countRow(n int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"count"}).AddRow(n)
}

func stringRows(col string, values ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{col})
	for _, v := range values {
		rows.AddRow(v)
	}
	return rows
}

func TestPostgres_CreateMissingTable(t *testing.T) {
	db, mock, r := setupMockDB(t)
	defer db.Close()

	model := Model{{
		Name: "properties",
		Columns: []Column{
			{Name: "id", Type: TypeText, PrimaryKey: true},
			{Name: "label", Type: TypeText, Default: "''"},
		},
		Uniques: []Unique{{Name: "uq_properties_label", Columns: []string{"label"}}},
	}}

	mock.ExpectQuery(`information_schema.tables`).WithArgs("properties").WillReturnRows(countRow(0))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS properties (`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(`information_schema.columns`).WithArgs("properties").
		WillReturnRows(stringRows("column_name", "id", "label"))
	mock.ExpectQuery(`pg_index`).WithArgs("properties").
		WillReturnRows(stringRows("string_agg", "label"))

	report := r.Run(context.Background(), model)

	require.NoError(t, report.Err())
	require.Len(t, report.Applied(), 1)
	assert.Equal(t, OpCreateTable, report.Applied()[0].Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AddsColumnForeignKeyAndUnique(t *testing.T) {
	db, mock, r := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`information_schema.tables`).WithArgs("levels").WillReturnRows(countRow(1))
	mock.ExpectQuery(`information_schema.columns`).WithArgs("levels").
		WillReturnRows(stringRows("column_name", "id", "ordinal"))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE levels ADD COLUMN IF NOT EXISTS property_id TEXT NOT NULL DEFAULT ''`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectQuery(`FOREIGN KEY`).WithArgs("levels", "property_id", "properties", "id").
		WillReturnRows(countRow(0))
	mock.ExpectQuery(`information_schema.tables`).WithArgs("properties").WillReturnRows(countRow(1))
	mock.ExpectQuery(`information_schema.columns`).WithArgs("properties").
		WillReturnRows(stringRows("column_name", "id", "label"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		`ALTER TABLE levels ADD CONSTRAINT fk_levels_property_id FOREIGN KEY (property_id) REFERENCES properties(id) ON DELETE CASCADE`,
	)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectQuery(`pg_index`).WithArgs("levels").WillReturnRows(stringRows("string_agg"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE levels ADD CONSTRAINT uq_levels_property_ordinal UNIQUE (property_id, ordinal)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	report := r.Run(context.Background(), levelsModel())

	require.NoError(t, report.Err())
	assert.Equal(t, []string{
		"add_column levels.property_id",
		"add_foreign_key levels.fk_levels_property_id",
		"add_unique levels.uq_levels_property_ordinal",
	}, objects(report.Applied()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ConformantSchemaIsEmpty(t *testing.T) {
	db, mock, r := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`information_schema.tables`).WithArgs("levels").WillReturnRows(countRow(1))
	mock.ExpectQuery(`information_schema.columns`).WithArgs("levels").
		WillReturnRows(stringRows("column_name", "id", "property_id", "ordinal"))
	mock.ExpectQuery(`FOREIGN KEY`).WithArgs("levels", "property_id", "properties", "id").
		WillReturnRows(countRow(1))
	mock.ExpectQuery(`pg_index`).WithArgs("levels").
		WillReturnRows(stringRows("string_agg", "property_id,ordinal"))

	report := r.Run(context.Background(), levelsModel())

	assert.True(t, report.Empty(), report.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FailingStatementIsRolledBackAndReported(t *testing.T) {
	db, mock, r := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`information_schema.tables`).WithArgs("levels").WillReturnRows(countRow(1))
	mock.ExpectQuery(`information_schema.columns`).WithArgs("levels").
		WillReturnRows(stringRows("column_name", "id", "property_id", "ordinal"))
	mock.ExpectQuery(`FOREIGN KEY`).WithArgs("levels", "property_id", "properties", "id").
		WillReturnRows(countRow(1))
	mock.ExpectQuery(`pg_index`).WithArgs("levels").WillReturnRows(stringRows("string_agg"))
	mock.ExpectBegin()
	mock.ExpectExec(`ADD CONSTRAINT uq_levels_property_ordinal`).
		WillReturnError(errors.New(`could not create unique index "uq_levels_property_ordinal"`))
	mock.ExpectRollback()

	report := r.Run(context.Background(), levelsModel())

	require.Len(t, report.Blocked(), 1)
	assert.Equal(t, OpAddUnique, report.Blocked()[0].Op)
	assert.ErrorContains(t, report.Err(), "could not create unique index")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InspectionFailureBlocksTable(t *testing.T) {
	db, mock, r := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`information_schema.tables`).WithArgs("levels").
		WillReturnError(errors.New("permission denied"))

	report := r.Run(context.Background(), levelsModel())

	require.Len(t, report.Blocked(), 1)
	assert.Equal(t, OpInspect, report.Blocked()[0].Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}
