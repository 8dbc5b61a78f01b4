package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"mediabot/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Dialect groups drivers that share SQL syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// DialectOf maps a configured driver name onto its dialect.
func DialectOf(dbType string) (Dialect, error) {
	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "mysql":
		return DialectMySQL, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unsupported driver: %s", dbType)
}

// Open connects to the ledger database described by cfg.Databases[dbType].
//
// "sqlite3" uses the cgo driver, "sqlite" the pure-Go one; both take a DSN.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		driver := "sqlite3"
		if strings.ToLower(dbType) == "sqlite" {
			driver = "sqlite"
		}
		db, err = sql.Open(driver, dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// a single connection keeps ":memory:" databases shared and avoids
		// SQLITE_BUSY between concurrent writers
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	case "postgres", "postgresql", "pgx":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	dialect, err := DialectOf(driver)
	if err != nil {
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	var stmts []string
	switch dialect {
	case DialectSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				chat_id INTEGER NOT NULL,
				submitter TEXT NOT NULL,
				url TEXT NOT NULL,
				kind TEXT NOT NULL,
				state TEXT NOT NULL,
				failure TEXT NOT NULL DEFAULT '',
				detail TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_chat ON jobs(chat_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
			`CREATE TABLE IF NOT EXISTS chat_quotas (
				chat_id INTEGER PRIMARY KEY,
				running INTEGER NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS operator_tokens (
				token TEXT PRIMARY KEY,
				operator TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_operator_tokens_operator ON operator_tokens(operator)`,
		}
	case DialectMySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id CHAR(36) NOT NULL,
				chat_id BIGINT NOT NULL,
				submitter VARCHAR(255) NOT NULL,
				url TEXT NOT NULL,
				kind VARCHAR(16) NOT NULL,
				state VARCHAR(16) NOT NULL,
				failure VARCHAR(32) NOT NULL DEFAULT '',
				detail TEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_jobs_chat (chat_id, created_at),
				INDEX idx_jobs_state (state)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS chat_quotas (
				chat_id BIGINT NOT NULL,
				running INT NOT NULL DEFAULT 0,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (chat_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS operator_tokens (
				token VARCHAR(255) NOT NULL PRIMARY KEY,
				operator VARCHAR(255) NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_operator_tokens_operator (operator)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case DialectPostgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				chat_id BIGINT NOT NULL,
				submitter TEXT NOT NULL,
				url TEXT NOT NULL,
				kind TEXT NOT NULL,
				state TEXT NOT NULL,
				failure TEXT NOT NULL DEFAULT '',
				detail TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_chat ON jobs(chat_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
			`CREATE TABLE IF NOT EXISTS chat_quotas (
				chat_id BIGINT PRIMARY KEY,
				running INTEGER NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS operator_tokens (
				token TEXT PRIMARY KEY,
				operator TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_operator_tokens_operator ON operator_tokens(operator)`,
		}
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}

// Rebind rewrites '?' placeholders into the form the dialect expects.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
