/*
Package sqlite provides a SQLite-backed implementation of the hierarchy store.

PURPOSE:
  Implements hierarchy.Store and hierarchy.TxStore using SQLite. Every
  mutation runs in one database transaction, so a cascade delete is either
  fully visible or not visible at all.

INTERFACES IMPLEMENTED:
  hierarchy.Store:   Upserts, queries, assignment, cascades
  hierarchy.TxStore: WithTx for multi-call workflows

KEY TABLES:
  properties: label (unique)
  levels:     property_id -> properties, unique (property_id, ordinal)
  units:      property_id -> properties, level_id -> levels,
              unique (property_id, unit_number)
  occupants:  unit_id -> units (nullable)

SCHEMA:
  The schema is not hand-written here. New() runs one reconcile pass of
  reconcile.HierarchyModel(), which creates a fresh database and brings a
  legacy flat database up to the hierarchy with additive changes only.
  A blocked change makes New() fail with the structural report error.

CASCADES:
  Cascades are explicit statements inside the delete transaction rather
  than relying on ON DELETE clauses, because a reconciled legacy database
  enforces its foreign keys with triggers instead of native constraints.

CONCURRENCY:
  Uses sync.RWMutex: one writer, many readers. Two concurrent assignments
  of the same occupant serialize on the mutex; the last one committed wins.

USAGE:
  store, err := sqlite.New("./data/registry.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  prop, _ := store.UpsertProperty(ctx, "Tower A", hierarchy.PropertyData{})

SEE ALSO:
  - hierarchy/store.go: Interface definitions
  - queries.go: SQL for every operation
  - reconcile/hierarchy.go: Target schema
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/warp/residence-registry/hierarchy"
	"github.com/warp/residence-registry/reconcile"
)

// Store implements hierarchy.TxStore using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log logrus.FieldLogger
	now func() time.Time
}

var _ hierarchy.TxStore = (*Store)(nil)

type Option func(*Store)

// WithLogger sets the logger used for schema reconciliation.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// connOptions are added to every DSN unless the caller already set them.
var connOptions = []string{"_foreign_keys=on", "_journal_mode=WAL", "_busy_timeout=5000"}

// DSN appends the connection options to dbPath, keeping any query string
// the caller supplied. Options given by the caller win.
func DSN(dbPath string) string {
	base, query, _ := strings.Cut(dbPath, "?")
	params := []string{}
	if query != "" {
		params = append(params, query)
	}
	for _, opt := range connOptions {
		key, _, _ := strings.Cut(opt, "=")
		if !hasParam(query, key) {
			params = append(params, opt)
		}
	}
	return base + "?" + strings.Join(params, "&")
}

func hasParam(query, key string) bool {
	for _, kv := range strings.Split(query, "&") {
		if k, _, _ := strings.Cut(kv, "="); k == key {
			return true
		}
	}
	return false
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:") {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(store)
	}
	if store.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		store.log = l
	}

	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for out-of-band tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate runs one reconcile pass of the hierarchy model.
func (s *Store) migrate(ctx context.Context) error {
	report := reconcile.New(s.db, reconcile.SQLite{}, s.log).Run(ctx, reconcile.HierarchyModel())
	if err := report.Err(); err != nil {
		return err
	}
	if applied := report.Applied(); len(applied) > 0 {
		s.log.WithField("changes", len(applied)).Info("sqlite: schema reconciled")
	}
	return nil
}

// =============================================================================
// TRANSACTION PLUMBING
// =============================================================================

func (s *Store) reader() queries {
	return queries{db: s.db, now: s.now}
}

func read[T any](s *Store, fn func(q queries) (T, error)) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.reader())
}

func write[T any](ctx context.Context, s *Store, fn func(q queries) (T, error)) (T, error) {
	var out T
	err := s.WithTx(ctx, func(st hierarchy.Store) error {
		var err error
		out, err = fn(st.(queries))
		return err
	})
	return out, err
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store hierarchy.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(queries{db: tx, now: s.now}); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// hierarchy.Store
// =============================================================================

func (s *Store) UpsertProperty(ctx context.Context, label string, data hierarchy.PropertyData) (hierarchy.Property, error) {
	return write(ctx, s, func(q queries) (hierarchy.Property, error) {
		return q.UpsertProperty(ctx, label, data)
	})
}

func (s *Store) UpsertLevel(ctx context.Context, propertyID hierarchy.PropertyID, ordinal int, data hierarchy.LevelData) (hierarchy.Level, error) {
	return write(ctx, s, func(q queries) (hierarchy.Level, error) {
		return q.UpsertLevel(ctx, propertyID, ordinal, data)
	})
}

func (s *Store) UpsertUnit(ctx context.Context, propertyID hierarchy.PropertyID, unitNumber string, data hierarchy.UnitData) (hierarchy.Unit, error) {
	return write(ctx, s, func(q queries) (hierarchy.Unit, error) {
		return q.UpsertUnit(ctx, propertyID, unitNumber, data)
	})
}

func (s *Store) GetProperty(ctx context.Context, id hierarchy.PropertyID) (hierarchy.Property, error) {
	return read(s, func(q queries) (hierarchy.Property, error) { return q.GetProperty(ctx, id) })
}

func (s *Store) GetLevel(ctx context.Context, id hierarchy.LevelID) (hierarchy.Level, error) {
	return read(s, func(q queries) (hierarchy.Level, error) { return q.GetLevel(ctx, id) })
}

func (s *Store) GetUnit(ctx context.Context, id hierarchy.UnitID) (hierarchy.Unit, error) {
	return read(s, func(q queries) (hierarchy.Unit, error) { return q.GetUnit(ctx, id) })
}

func (s *Store) GetOccupant(ctx context.Context, id hierarchy.OccupantID) (hierarchy.Occupant, error) {
	return read(s, func(q queries) (hierarchy.Occupant, error) { return q.GetOccupant(ctx, id) })
}

func (s *Store) ListProperties(ctx context.Context) ([]hierarchy.Property, error) {
	return read(s, func(q queries) ([]hierarchy.Property, error) { return q.ListProperties(ctx) })
}

func (s *Store) ListLevels(ctx context.Context, propertyID hierarchy.PropertyID) ([]hierarchy.Level, error) {
	return read(s, func(q queries) ([]hierarchy.Level, error) { return q.ListLevels(ctx, propertyID) })
}

func (s *Store) ListUnits(ctx context.Context, levelID hierarchy.LevelID) ([]hierarchy.Unit, error) {
	return read(s, func(q queries) ([]hierarchy.Unit, error) { return q.ListUnits(ctx, levelID) })
}

func (s *Store) ListUnitsByProperty(ctx context.Context, propertyID hierarchy.PropertyID) ([]hierarchy.Unit, error) {
	return read(s, func(q queries) ([]hierarchy.Unit, error) { return q.ListUnitsByProperty(ctx, propertyID) })
}

func (s *Store) ListOccupants(ctx context.Context, unitID hierarchy.UnitID) ([]hierarchy.Occupant, error) {
	return read(s, func(q queries) ([]hierarchy.Occupant, error) { return q.ListOccupants(ctx, unitID) })
}

func (s *Store) ListUnassignedOccupants(ctx context.Context) ([]hierarchy.Occupant, error) {
	return read(s, func(q queries) ([]hierarchy.Occupant, error) { return q.ListUnassignedOccupants(ctx) })
}

func (s *Store) SetPropertyImage(ctx context.Context, id hierarchy.PropertyID, path string) error {
	_, err := write(ctx, s, func(q queries) (struct{}, error) {
		return struct{}{}, q.SetPropertyImage(ctx, id, path)
	})
	return err
}

func (s *Store) SetLevelImage(ctx context.Context, id hierarchy.LevelID, path string) error {
	_, err := write(ctx, s, func(q queries) (struct{}, error) {
		return struct{}{}, q.SetLevelImage(ctx, id, path)
	})
	return err
}

func (s *Store) CreateOccupant(ctx context.Context, o hierarchy.Occupant) (hierarchy.Occupant, error) {
	return write(ctx, s, func(q queries) (hierarchy.Occupant, error) { return q.CreateOccupant(ctx, o) })
}

func (s *Store) UpdateOccupant(ctx context.Context, o hierarchy.Occupant) (hierarchy.Occupant, error) {
	return write(ctx, s, func(q queries) (hierarchy.Occupant, error) { return q.UpdateOccupant(ctx, o) })
}

func (s *Store) DeleteOccupant(ctx context.Context, id hierarchy.OccupantID) error {
	_, err := write(ctx, s, func(q queries) (struct{}, error) {
		return struct{}{}, q.DeleteOccupant(ctx, id)
	})
	return err
}

func (s *Store) AssignOccupant(ctx context.Context, occupantID hierarchy.OccupantID, unitID hierarchy.UnitID, override bool) (hierarchy.Occupant, error) {
	return write(ctx, s, func(q queries) (hierarchy.Occupant, error) {
		return q.AssignOccupant(ctx, occupantID, unitID, override)
	})
}

func (s *Store) DeleteProperty(ctx context.Context, id hierarchy.PropertyID) (hierarchy.CascadeResult, error) {
	return write(ctx, s, func(q queries) (hierarchy.CascadeResult, error) { return q.DeleteProperty(ctx, id) })
}

func (s *Store) DeleteLevel(ctx context.Context, id hierarchy.LevelID) ([]hierarchy.UnitID, error) {
	return write(ctx, s, func(q queries) ([]hierarchy.UnitID, error) { return q.DeleteLevel(ctx, id) })
}

func (s *Store) DeleteUnit(ctx context.Context, id hierarchy.UnitID) ([]hierarchy.OccupantID, error) {
	return write(ctx, s, func(q queries) ([]hierarchy.OccupantID, error) { return q.DeleteUnit(ctx, id) })
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		// Dates written as plain YYYY-MM-DD
		t, _ = time.Parse(time.DateOnly, s.String)
	}
	return t
}
