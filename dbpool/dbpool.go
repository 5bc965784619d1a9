// Package dbpool owns the process-wide connection pools: one relational
// pool (MySQL, Postgres, or SQLite), one document pool (MongoDB), and
// one Redis client. Pool sizes are configuration-driven, and every pool
// reports utilization for the health endpoint.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the relational backend so stores can adjust
// placeholders and upsert syntax.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Rebind converts ?-style placeholders to the dialect's native form.
// Queries here never embed literal question marks, so a straight scan
// is sufficient.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsUniqueViolation reports whether err is a duplicate-key error on any
// supported backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || // MySQL 1062
		strings.Contains(msg, "duplicate key value") || // Postgres 23505
		strings.Contains(msg, "UNIQUE constraint failed") // SQLite
}

// RelationalConfig configures the relational pool.
type RelationalConfig struct {
	Dialect  Dialect
	DSN      string
	MinIdle  int
	MaxOpen  int
	Lifetime time.Duration
}

// Defaults for the relational pool.
const (
	DefaultRelationalMinIdle = 5
	DefaultRelationalMaxOpen = 15
)

// DB wraps the relational pool with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
	name    string
}

// Open opens the relational pool, applies pool limits, and verifies
// connectivity. SQLite is pinned to a single connection with WAL mode,
// matching its one-writer model.
func Open(ctx context.Context, cfg RelationalConfig) (*DB, error) {
	driver := ""
	switch cfg.Dialect {
	case DialectMySQL:
		driver = "mysql"
	case DialectPostgres:
		driver = "pgx"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported relational dialect %q", cfg.Dialect)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", cfg.Dialect, err)
	}

	if cfg.Dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply %s: %w", pragma, err)
			}
		}
	} else {
		maxOpen := cfg.MaxOpen
		if maxOpen <= 0 {
			maxOpen = DefaultRelationalMaxOpen
		}
		minIdle := cfg.MinIdle
		if minIdle <= 0 {
			minIdle = DefaultRelationalMinIdle
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(minIdle)
		if cfg.Lifetime > 0 {
			db.SetConnMaxLifetime(cfg.Lifetime)
		} else {
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Dialect, err)
	}

	return &DB{DB: db, Dialect: cfg.Dialect, name: "relational"}, nil
}

// WithTransaction executes fn inside a transaction, rolling back on
// error and committing otherwise.
func (db *DB) WithTransaction(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Health reports the relational pool's utilization.
func (db *DB) Health() PoolHealth {
	stats := db.Stats()
	max := stats.MaxOpenConnections
	if max <= 0 {
		max = DefaultRelationalMaxOpen
	}
	return gradePool("relational", stats.InUse, stats.Idle, int(stats.WaitCount), max)
}
