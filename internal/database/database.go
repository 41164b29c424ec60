// Package database opens the SQL connection shared by the ticket store, the
// ignore rule source, the queue state table and the notification outbox.
package database

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported driver names, as registered with database/sql.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite3  = "sqlite3" // cgo, github.com/mattn/go-sqlite3
	DriverSQLite   = "sqlite"  // pure Go, modernc.org/sqlite
)

// Config describes one database connection. DSN wins over the discrete
// fields when set.
type Config struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Name            string        `mapstructure:"name" yaml:"name"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DriverName normalizes the configured driver. Empty selects the pure Go
// sqlite driver.
func (c Config) DriverName() string {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "postgres", "postgresql", "pgsql":
		return DriverPostgres
	case "mysql", "mariadb":
		return DriverMySQL
	case "sqlite3":
		return DriverSQLite3
	case "", "sqlite":
		return DriverSQLite
	default:
		return strings.ToLower(strings.TrimSpace(c.Driver))
	}
}

// Validate checks the pool settings and the driver.
func (c Config) Validate() error {
	switch c.DriverName() {
	case DriverPostgres, DriverMySQL, DriverSQLite3, DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver: %s, supported drivers: postgres, mysql, sqlite3, sqlite", c.Driver)
	}
	if c.MaxOpenConns < 0 {
		return fmt.Errorf("max_open_conns cannot be negative")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max_idle_conns cannot be negative")
	}
	if c.MaxIdleConns > c.MaxOpenConns && c.MaxOpenConns > 0 {
		return fmt.Errorf("max_idle_conns cannot be greater than max_open_conns")
	}
	if c.DSN == "" && c.isSQLite() && c.Name == "" {
		return fmt.Errorf("sqlite needs a dsn or a database name (file path)")
	}
	return nil
}

func (c Config) isSQLite() bool {
	d := c.DriverName()
	return d == DriverSQLite || d == DriverSQLite3
}

// BuildDSN returns the data source name handed to sqlx.Open. MySQL DSNs always
// get parseTime so timestamps scan into time.Time.
func (c Config) BuildDSN() (string, error) {
	switch c.DriverName() {
	case DriverMySQL:
		if c.DSN != "" {
			cfg, err := mysql.ParseDSN(c.DSN)
			if err != nil {
				return "", fmt.Errorf("parse mysql dsn: %w", err)
			}
			cfg.ParseTime = true
			return cfg.FormatDSN(), nil
		}
		cfg := mysql.NewConfig()
		cfg.User = c.User
		cfg.Passwd = c.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(firstNonEmpty(c.Host, "localhost"), strconv.Itoa(portOr(c.Port, 3306)))
		cfg.DBName = c.Name
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return cfg.FormatDSN(), nil
	case DriverPostgres:
		if c.DSN != "" {
			return c.DSN, nil
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.User, c.Password),
			Host:     net.JoinHostPort(firstNonEmpty(c.Host, "localhost"), strconv.Itoa(portOr(c.Port, 5432))),
			Path:     "/" + c.Name,
			RawQuery: url.Values{"sslmode": {firstNonEmpty(c.SSLMode, "disable")}}.Encode(),
		}
		return u.String(), nil
	default:
		return firstNonEmpty(c.DSN, c.Name), nil
	}
}

// Open connects, applies pool limits and pings the server. SQLite
// connections are limited to one because pragmas are per connection.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dsn, err := cfg.BuildDSN()
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(cfg.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.DriverName(), err)
	}

	if cfg.isSQLite() {
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.DriverName(), err)
	}
	if cfg.isSQLite() {
		if err := applyPragmas(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func applyPragmas(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("setting busy timeout: %w", err)
	}
	return nil
}

// Dialect maps a driver name onto the SQL dialect used by migrations.
func Dialect(driverName string) string {
	switch driverName {
	case DriverMySQL:
		return "mysql"
	case DriverSQLite, DriverSQLite3:
		return "sqlite"
	default:
		return "postgres"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func portOr(port, def int) int {
	if port > 0 {
		return port
	}
	return def
}
