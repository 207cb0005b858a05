package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3" // Register SQLite driver
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
)

// Store provides SQLite-based persistence for the coverage engine. All
// access goes through a single connection, so SQLite serializes writers and
// an in-memory database is shared by every caller.
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewStore initializes a new SQLite store
func NewStore(dbPath string) (*Store, error) {
	// Open or create database
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A second connection to ":memory:" would open a different database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database connection after init error")
		}
		return nil, err
	}

	logrus.WithField("db_path", dbPath).Info("Initialized coverage database")
	return store, nil
}

// initSchema applies all pending migrations
func (s *Store) initSchema() error {
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to configure database: %w", err)
	}

	// Get current schema version
	currentVersion := 0
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	_ = row.Scan(&currentVersion) // Ignore error - schema_version table may not exist yet

	// Apply pending migrations
	for _, migration := range Migrations {
		if migration.Version <= currentVersion {
			continue
		}

		logrus.WithField("version", migration.Version).Info("Applying schema migration")

		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
				return fmt.Errorf("failed to apply migration v%d: %w", migration.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
				migration.Version,
				s.now().Unix(),
			); err != nil {
				return fmt.Errorf("failed to record migration v%d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		currentVersion = migration.Version
	}

	return nil
}

// SchemaVersion returns the highest applied migration
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// withTx runs fn inside a transaction, committing when it returns nil
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				logrus.WithError(rollbackErr).Warn("Failed to rollback transaction")
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}
	return nil
}

// Helper functions

func closeRows(rows *sql.Rows) {
	if closeErr := rows.Close(); closeErr != nil {
		logrus.WithError(closeErr).Warn("Failed to close database rows")
	}
}

// timeToUnixPtr converts a time pointer to Unix timestamp pointer
func timeToUnixPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// unixToTimePtr converts a nullable Unix timestamp to a UTC time pointer
func unixToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// intersects adds a bounding-box overlap filter on the min/max lon/lat columns
func intersects(prefix string, b orb.Bound) sq.Sqlizer {
	return sq.And{
		sq.GtOrEq{prefix + "max_lon": b.Min.Lon()},
		sq.LtOrEq{prefix + "min_lon": b.Max.Lon()},
		sq.GtOrEq{prefix + "max_lat": b.Min.Lat()},
		sq.LtOrEq{prefix + "min_lat": b.Max.Lat()},
	}
}
