// Package db opens the SQL connection pool and wraps it in an ent SQL driver.
package db

import (
	"database/sql"
	"fmt"
	"sync/atomic"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for PostgreSQL
	_ "modernc.org/sqlite"             // register sqlite driver

	"formpulse/internal/config"
	"formpulse/internal/logx"
)

var dbLogger = logx.GetScope("db")

var baseDB atomic.Pointer[sql.DB]

// DB is an open pool plus the ent driver built on top of it.
type DB struct {
	SQL     *sql.DB
	Dialect string
	Driver  *entsql.Driver
}

// Open opens the database selected by cfg.DB.Driver.
func Open(cfg *config.Config) (*DB, func(), error) {
	switch cfg.DB.Driver {
	case "sqlite", "sqlite3":
		return OpenSQLite(cfg.DB.SQLiteDSN)
	default:
		return OpenPostgres(cfg.PG.URL, cfg.PG.MaxOpenConns, cfg.PG.MaxIdleConns)
	}
}

// OpenPostgres opens a pgx-backed pool.
func OpenPostgres(url string, maxOpen, maxIdle int) (*DB, func(), error) {
	if url == "" {
		return nil, func() {}, fmt.Errorf("db: POSTGRES_URL is empty")
	}
	sqldb, err := sql.Open("pgx", url)
	if err != nil {
		return nil, func() {}, err
	}
	sqldb.SetMaxOpenConns(maxOpen)
	sqldb.SetMaxIdleConns(maxIdle)
	return wrap(sqldb, dialect.Postgres), closer(sqldb), nil
}

// OpenSQLite opens a single-connection SQLite pool. Writers serialize on the
// one connection, which also keeps in-memory databases alive.
func OpenSQLite(dsn string) (*DB, func(), error) {
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, func() {}, err
	}
	sqldb.SetMaxOpenConns(1)
	if _, err := sqldb.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = sqldb.Close()
		return nil, func() {}, fmt.Errorf("db: enable foreign keys: %w", err)
	}
	return wrap(sqldb, dialect.SQLite), closer(sqldb), nil
}

func wrap(sqldb *sql.DB, d string) *DB {
	baseDB.Store(sqldb)
	return &DB{SQL: sqldb, Dialect: d, Driver: entsql.OpenDB(d, sqldb)}
}

func closer(sqldb *sql.DB) func() {
	return func() {
		baseDB.CompareAndSwap(sqldb, nil)
		if err := sqldb.Close(); err != nil {
			dbLogger.Sugar().Errorf("close db: %v", err)
		}
	}
}

// UpdatePool updates DB pool settings at runtime.
func UpdatePool(maxOpen, maxIdle int) {
	sqldb := baseDB.Load()
	if sqldb == nil {
		return
	}
	if maxOpen > 0 {
		sqldb.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqldb.SetMaxIdleConns(maxIdle)
	}
}
