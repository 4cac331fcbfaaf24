package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/residence-registry/config"
	"github.com/warp/residence-registry/logging"
	"github.com/warp/residence-registry/reconcile"
	"github.com/warp/residence-registry/store/sqlite"
)

type runOptions struct {
	driver   string
	dsn      string
	logLevel string
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply the missing additive changes and print the structural diff",
		Long: `Inspects every table of the hierarchy model and adds what is missing:
tables, columns, foreign keys and unique constraints. Nothing is dropped or
rewritten. Changes that cannot be applied are reported as blocked.

Exit codes: 0 conformant, 3 changes applied, 4 changes blocked, 2 usage,
1 runtime failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.complete(); err != nil {
				return withCode(exitUsage, err)
			}
			dialect, err := reconcile.DialectFor(opts.driver)
			if err != nil {
				return withCode(exitUsage, err)
			}
			log := logging.NewWithOutput("reconcile", opts.logLevel, cmd.ErrOrStderr())

			report, err := runReconcile(cmd.Context(), dialect, opts.dsn, log)
			if err != nil {
				return withCode(exitFailure, err)
			}
			printReport(cmd.OutOrStdout(), report)
			return reportOutcome(report)
		},
	}

	cmd.Flags().StringVar(&opts.driver, "driver", "", "database driver: sqlite3 or postgres (default: DB_DRIVER)")
	cmd.Flags().StringVar(&opts.dsn, "dsn", "", "database path or URL (default: DB_PATH or DATABASE_URL)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level (default: LOG_LEVEL)")
	return cmd
}

// complete fills unset flags from the environment.
func (o *runOptions) complete() error {
	if o.driver != "" && o.dsn != "" {
		if o.logLevel == "" {
			o.logLevel = "info"
		}
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.driver == "" {
		o.driver = cfg.DBDriver
	}
	if o.dsn == "" {
		o.dsn = cfg.DSN()
	}
	if o.logLevel == "" {
		o.logLevel = cfg.LogLevel
	}
	return nil
}

func runReconcile(ctx context.Context, dialect reconcile.Dialect, dsn string, log logrus.FieldLogger) (reconcile.Report, error) {
	db, err := sql.Open(dialect.Name(), sqlDSN(dialect.Name(), dsn))
	if err != nil {
		return reconcile.Report{}, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return reconcile.Report{}, fmt.Errorf("connect to database: %w", err)
	}

	return reconcile.New(db, dialect, log).Run(ctx, reconcile.HierarchyModel()), nil
}

// sqlDSN turns foreign key enforcement on for SQLite files.
func sqlDSN(driver, dsn string) string {
	if driver != "sqlite3" {
		return dsn
	}
	return sqlite.DSN(dsn)
}

func reportOutcome(report reconcile.Report) error {
	switch {
	case len(report.Blocked()) > 0:
		return withCode(exitBlocked, fmt.Errorf("%d changes blocked: %w", len(report.Blocked()), report.Err()))
	case len(report.Applied()) > 0:
		return withCode(exitApplied, fmt.Errorf("%d changes applied", len(report.Applied())))
	default:
		return nil
	}
}

func printReport(w io.Writer, report reconcile.Report) {
	fmt.Fprint(w, report.String())
	if !strings.HasSuffix(report.String(), "\n") {
		fmt.Fprintln(w)
	}
}
