package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	loyaltymigrations "github.com/goliatone/go-loyalty/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ConnectionConfig satisfies the go-persistence-bun client config.
type ConnectionConfig struct {
	Driver         string
	DSN            string
	Debug          bool
	PingTimeout    time.Duration
	OtelIdentifier string
	// Migrate applies the embedded loyalty schema after connecting.
	Migrate bool
}

func (c ConnectionConfig) GetDebug() bool {
	return c.Debug
}

func (c ConnectionConfig) GetDriver() string {
	return c.Driver
}

func (c ConnectionConfig) GetServer() string {
	return c.DSN
}

func (c ConnectionConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c ConnectionConfig) GetOtelIdentifier() string {
	if strings.TrimSpace(c.OtelIdentifier) == "" {
		return "go-loyalty"
	}
	return c.OtelIdentifier
}

func OpenSQLite(ctx context.Context, dsn string, migrate bool) (*persistence.Client, error) {
	return Open(ctx, ConnectionConfig{Driver: DriverSQLite, DSN: dsn, Migrate: migrate})
}

func OpenPostgres(ctx context.Context, dsn string, migrate bool) (*persistence.Client, error) {
	return Open(ctx, ConnectionConfig{Driver: DriverPostgres, DSN: dsn, Migrate: migrate})
}

// Open connects with the driver named in cfg and, when asked, runs the embedded migrations
// for the matching dialect.
func Open(ctx context.Context, cfg ConnectionConfig) (*persistence.Client, error) {
	driver := strings.TrimSpace(strings.ToLower(cfg.Driver))
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}

	var (
		dialect          schema.Dialect
		migrationDialect string
	)
	switch driver {
	case DriverSQLite, "sqlite":
		driver = DriverSQLite
		dialect = sqlitedialect.New()
		migrationDialect = loyaltymigrations.DialectSQLite
	case DriverPostgres, "pg", "postgresql":
		driver = DriverPostgres
		dialect = pgdialect.New()
		migrationDialect = loyaltymigrations.DialectPostgres
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}
	cfg.Driver = driver

	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}
	if !cfg.Migrate {
		return client, nil
	}

	source, err := loyaltymigrations.For(migrationDialect)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	client.RegisterSQLMigrations(source.FS)
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return client, nil
}
