package repository

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations
var migrationsFS embed.FS

const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

// Open connects to the configured database and runs pending migrations.
// For sqlite, path is a file path; for postgres, a connection URL.
func Open(dbType, path string, logger *zap.Logger) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch dbType {
	case TypeSQLite, "":
		dbType = TypeSQLite
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite"
		db, err = sqlx.Open("sqlite", dsn)
		if err == nil {
			// One writer at a time; reads share the same connection.
			db.SetMaxOpenConns(1)
		}
	case TypePostgres:
		db, err = sqlx.Open("postgres", path)
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := MigrateDB(db, dbType, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Database ready", zap.String("type", dbType))
	return db, nil
}

// MigrateDB applies the embedded migrations for dbType.
func MigrateDB(db *sqlx.DB, dbType string, logger *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations/"+dbType)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	var driver database.Driver
	switch dbType {
	case TypeSQLite:
		driver, err = sqlite.WithInstance(db.DB, &sqlite.Config{})
	case TypePostgres:
		driver, err = postgres.WithInstance(db.DB, &postgres.Config{})
	default:
		return fmt.Errorf("unsupported database type %q", dbType)
	}
	if err != nil {
		return fmt.Errorf("couldn't get database instance for running migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, dbType, driver)
	if err != nil {
		return fmt.Errorf("couldn't create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("couldn't run database migration: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Database migration was run successfully",
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}
