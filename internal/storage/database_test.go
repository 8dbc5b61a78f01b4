package storage

import (
	"path/filepath"
	"testing"

	"mediabot/internal/config"
)

func TestOpenAndMigrateSQLiteDrivers(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		dsn := filepath.Join(t.TempDir(), driver+".db")
		cfg := &config.Config{
			Databases: map[string]config.DatabaseConfig{driver: {DSN: dsn}},
		}
		db, err := Open(driver, cfg)
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		if err := Migrate(db, driver); err != nil {
			t.Fatalf("migrate %s: %v", driver, err)
		}
		// migrations must be re-runnable
		if err := Migrate(db, driver); err != nil {
			t.Fatalf("second migrate %s: %v", driver, err)
		}
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
			t.Fatalf("query jobs on %s: %v", driver, err)
		}
		db.Close()
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"oracle": {}}}
	if _, err := Open("oracle", cfg); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if _, err := Open("sqlite3", cfg); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestRebind(t *testing.T) {
	q := `UPDATE jobs SET state = ? WHERE id = ? AND state = ?`
	if got := Rebind(DialectSQLite, q); got != q {
		t.Fatalf("sqlite query changed: %s", got)
	}
	want := `UPDATE jobs SET state = $1 WHERE id = $2 AND state = $3`
	if got := Rebind(DialectPostgres, q); got != want {
		t.Fatalf("Rebind = %s, want %s", got, want)
	}
}
