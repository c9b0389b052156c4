// Package postgres provides the PostgreSQL connection hub shared by the
// outbox store and the surrounding persistence layer, including schema
// migration on connect.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nexolith/eventflow/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

var (
	// ErrConnectionStringRequired is returned when Connect is called
	// without a connection string.
	ErrConnectionStringRequired = errors.New("postgres connection string is required")

	dbOpenFn = sql.Open
)

// Connection is a hub which deals with one postgres database handle.
type Connection struct {
	ConnectionString   string `json:"-"`
	Component          string
	MigrationsPath     string
	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int

	db        *sql.DB
	connected bool
	mu        sync.RWMutex
}

func (pc *Connection) initDefaults() {
	if pc.MaxOpenConnections <= 0 {
		pc.MaxOpenConnections = defaultMaxOpenConns
	}

	if pc.MaxIdleConnections <= 0 {
		pc.MaxIdleConnections = defaultMaxIdleConns
	}

	if pc.Logger == nil {
		pc.Logger = log.NewNop()
	}
}

// Connect opens the database handle, verifies connectivity, and runs
// pending migrations when a migrations path is configured.
func (pc *Connection) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	return pc.connectLocked(ctx)
}

func (pc *Connection) connectLocked(ctx context.Context) error {
	if pc.connected && pc.db != nil {
		return nil
	}

	pc.initDefaults()

	if strings.TrimSpace(pc.ConnectionString) == "" {
		return ErrConnectionStringRequired
	}

	pc.Logger.Log(ctx, log.LevelInfo, "connecting to postgres", log.String("component", pc.Component))

	db, err := dbOpenFn("pgx", pc.ConnectionString)
	if err != nil {
		return fmt.Errorf("open postgres connection: %w", sanitizeConnError(err, pc.ConnectionString))
	}

	db.SetMaxOpenConns(pc.MaxOpenConnections)
	db.SetMaxIdleConns(pc.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return fmt.Errorf("ping postgres: %w", sanitizeConnError(err, pc.ConnectionString))
	}

	if pc.MigrationsPath != "" {
		if err := runMigrations(db, pc.MigrationsPath, pc.Logger); err != nil {
			_ = db.Close()

			return fmt.Errorf("run migrations: %w", err)
		}
	}

	pc.db = db
	pc.connected = true

	pc.Logger.Log(ctx, log.LevelInfo, "connected to postgres", log.String("component", pc.Component))

	return nil
}

// GetDB returns the database handle, connecting lazily when needed.
func (pc *Connection) GetDB(ctx context.Context) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	pc.mu.RLock()
	if pc.connected && pc.db != nil {
		db := pc.db
		pc.mu.RUnlock()

		return db, nil
	}
	pc.mu.RUnlock()

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if err := pc.connectLocked(ctx); err != nil {
		return nil, err
	}

	return pc.db, nil
}

// IsConnected reports whether the hub currently holds an open handle.
func (pc *Connection) IsConnected() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	return pc.connected && pc.db != nil
}

// Close closes the database handle. Idempotent.
func (pc *Connection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.db == nil {
		pc.connected = false

		return nil
	}

	err := pc.db.Close()
	pc.db = nil
	pc.connected = false

	if err != nil {
		return fmt.Errorf("close postgres connection: %w", err)
	}

	return nil
}

func runMigrations(db *sql.DB, migrationsPath string, logger log.Logger) error {
	cleanPath, err := sanitizePath(migrationsPath)
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance("file://"+cleanPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	err = migrator.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Log(context.Background(), log.LevelDebug, "postgres schema already up to date")

		return nil
	}

	logger.Log(context.Background(), log.LevelInfo, "postgres migrations applied")

	return nil
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(strings.TrimSpace(path))
	if cleaned == "" || cleaned == "." {
		return "", errors.New("migrations path is empty")
	}

	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("migrations path %q must not traverse upwards", cleaned)
	}

	return cleaned, nil
}

// sanitizeConnError strips credentials embedded in the connection string
// from driver error messages.
func sanitizeConnError(err error, connectionString string) error {
	if err == nil {
		return nil
	}

	parsed, parseErr := url.Parse(connectionString)
	if parseErr != nil || parsed.User == nil {
		return err
	}

	msg := err.Error()
	if pass, ok := parsed.User.Password(); ok && pass != "" {
		msg = strings.ReplaceAll(msg, pass, "xxxxx")
	}

	return errors.New(msg)
}
