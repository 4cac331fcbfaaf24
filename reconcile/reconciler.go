/*
reconciler.go - One additive, idempotent reconciliation pass

PURPOSE:
  Walks the target model table by table and adds whatever is missing:

    1. CREATE TABLE   when the table does not exist (full definition)
    2. ADD COLUMN     for each missing column
    3. ADD FOREIGN KEY for each missing key
    4. ADD UNIQUE     for each missing unique constraint

  Every step re-inspects the live structure first, so a second pass after a
  successful first one finds nothing to do.

GUARDS (unmet guard = Blocked, pass continues):
  - Primary key columns cannot be added to an existing table
  - NOT NULL columns need a default to be added to a populated table
  - Foreign keys need the local column, the referenced table and the
    referenced column
  - Unique constraints need all their columns
  - A statement that fails (e.g. duplicate rows under a new unique
    constraint) is rolled back and reported

CANCELLATION:
  None. A pass is operator-triggered and additive only; interrupting it and
  running again from scratch converges on the same result.

USAGE:
  r := reconcile.New(db, reconcile.SQLite{}, logger)
  report := r.Run(ctx, reconcile.HierarchyModel())
  if !report.Empty() {
      fmt.Print(report)
  }

SEE ALSO:
  - report.go: Structural-diff report
  - cmd/reconcile/root.go: Operator entry point
*/
package reconcile

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

type Reconciler struct {
	db      *sql.DB
	dialect Dialect
	log     logrus.FieldLogger
}

func New(db *sql.DB, dialect Dialect, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Reconciler{db: db, dialect: dialect, log: log}
}

// Run performs one pass over the model and returns the structural diff.
func (r *Reconciler) Run(ctx context.Context, model Model) Report {
	report := Report{Dialect: r.dialect.Name()}
	if err := model.Validate(); err != nil {
		report.blocked(OpInspect, "*", "model", nil, "invalid target model", err)
		return report
	}

	for _, t := range model {
		r.reconcileTable(ctx, t, &report)
	}

	r.log.WithFields(logrus.Fields{
		"dialect": report.Dialect,
		"applied": len(report.Applied()),
		"blocked": len(report.Blocked()),
	}).Info("reconcile: pass complete")
	return report
}

func (r *Reconciler) reconcileTable(ctx context.Context, t Table, report *Report) {
	exists, err := r.dialect.TableExists(ctx, r.db, t.Name)
	if err != nil {
		r.block(report, OpInspect, t.Name, "*", nil, "cannot inspect table", err)
		return
	}

	if !exists {
		fks := r.satisfiedForeignKeys(ctx, t)
		stmts := r.dialect.CreateTable(t, fks)
		if err := r.apply(ctx, stmts); err != nil {
			r.block(report, OpCreateTable, t.Name, t.Name, stmts, "create table failed", err)
			return
		}
		r.done(report, OpCreateTable, t.Name, t.Name, stmts)
	}

	// Columns
	cols, err := r.dialect.Columns(ctx, r.db, t.Name)
	if err != nil {
		r.block(report, OpInspect, t.Name, "*", nil, "cannot list columns", err)
		return
	}
	for _, c := range t.Columns {
		if contains(cols, c.Name) {
			continue
		}
		stmts := r.dialect.AddColumn(t.Name, c)
		switch {
		case c.PrimaryKey:
			r.block(report, OpAddColumn, t.Name, c.Name, stmts, "primary key column cannot be added to an existing table", nil)
		case !c.Nullable && c.Default == "":
			r.block(report, OpAddColumn, t.Name, c.Name, stmts, "NOT NULL column requires a default", nil)
		default:
			if err := r.apply(ctx, stmts); err != nil {
				r.block(report, OpAddColumn, t.Name, c.Name, stmts, "add column failed", err)
				continue
			}
			r.done(report, OpAddColumn, t.Name, c.Name, stmts)
			cols = append(cols, c.Name)
		}
	}

	// Foreign keys
	for _, fk := range t.ForeignKeys {
		name := fk.Name(t.Name)
		has, err := r.dialect.HasForeignKey(ctx, r.db, t.Name, fk)
		if err != nil {
			r.block(report, OpInspect, t.Name, name, nil, "cannot inspect foreign key", err)
			continue
		}
		if has {
			continue
		}
		stmts := r.dialect.AddForeignKey(t.Name, fk)
		if !contains(cols, fk.Column) {
			r.block(report, OpAddForeignKey, t.Name, name, stmts,
				fmt.Sprintf("column %s.%s does not exist", t.Name, fk.Column), nil)
			continue
		}
		if reason := r.missingReference(ctx, fk); reason != "" {
			r.block(report, OpAddForeignKey, t.Name, name, stmts, reason, nil)
			continue
		}
		if err := r.apply(ctx, stmts); err != nil {
			r.block(report, OpAddForeignKey, t.Name, name, stmts, "add foreign key failed", err)
			continue
		}
		r.done(report, OpAddForeignKey, t.Name, name, stmts)
	}

	// Unique constraints
	for _, u := range t.Uniques {
		has, err := r.dialect.HasUnique(ctx, r.db, t.Name, u)
		if err != nil {
			r.block(report, OpInspect, t.Name, u.Name, nil, "cannot inspect unique constraint", err)
			continue
		}
		if has {
			continue
		}
		stmts := r.dialect.AddUnique(t.Name, u)
		if missing := missingColumns(cols, u.Columns); len(missing) > 0 {
			r.block(report, OpAddUnique, t.Name, u.Name, stmts,
				fmt.Sprintf("columns %v do not exist", missing), nil)
			continue
		}
		if err := r.apply(ctx, stmts); err != nil {
			r.block(report, OpAddUnique, t.Name, u.Name, stmts, "add unique constraint failed", err)
			continue
		}
		r.done(report, OpAddUnique, t.Name, u.Name, stmts)
	}
}

// satisfiedForeignKeys returns the keys of t whose referenced column exists
// now, so they can be declared inline by CREATE TABLE. Self references count.
func (r *Reconciler) satisfiedForeignKeys(ctx context.Context, t Table) []ForeignKey {
	var out []ForeignKey
	for _, fk := range t.ForeignKeys {
		if fk.RefTable == t.Name {
			if _, ok := t.Column(fk.RefColumn); ok {
				out = append(out, fk)
			}
			continue
		}
		if r.missingReference(ctx, fk) == "" {
			out = append(out, fk)
		}
	}
	return out
}

// missingReference returns why fk's target is unusable, or "".
func (r *Reconciler) missingReference(ctx context.Context, fk ForeignKey) string {
	exists, err := r.dialect.TableExists(ctx, r.db, fk.RefTable)
	if err != nil {
		return fmt.Sprintf("cannot inspect referenced table %s: %v", fk.RefTable, err)
	}
	if !exists {
		return fmt.Sprintf("referenced table %s does not exist", fk.RefTable)
	}
	cols, err := r.dialect.Columns(ctx, r.db, fk.RefTable)
	if err != nil {
		return fmt.Sprintf("cannot list columns of %s: %v", fk.RefTable, err)
	}
	if !contains(cols, fk.RefColumn) {
		return fmt.Sprintf("referenced column %s.%s does not exist", fk.RefTable, fk.RefColumn)
	}
	return ""
}

// apply runs the statements of one operation in their own transaction.
func (r *Reconciler) apply(ctx context.Context, stmts []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Reconciler) done(report *Report, op Op, table, object string, stmts []string) {
	report.applied(op, table, object, stmts)
	r.log.WithFields(logrus.Fields{"op": op, "table": table, "object": object}).
		Info("reconcile: applied")
}

func (r *Reconciler) block(report *Report, op Op, table, object string, stmts []string, reason string, cause error) {
	serr := report.blocked(op, table, object, stmts, reason, cause)
	r.log.WithFields(logrus.Fields{"op": op, "table": table, "object": object}).
		Warn(serr.Error())
}

func missingColumns(have, want []string) []string {
	var missing []string
	for _, c := range want {
		if !contains(have, c) {
			missing = append(missing, c)
		}
	}
	return missing
}
