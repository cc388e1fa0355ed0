// Package repository implements the relational persistence backend for
// torrents, users, and overlay state (§4.8, §4.14). It is grounded on
// backend/uguu's version-table migration idiom, generalized across sqlite3,
// mysql and postgres via jmoiron/sqlx instead of being hard-wired to
// Postgres.
package repository

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/golang/glog"
)

const versionKey = "chihaya.schema_version"

const latestVersion = "1"

// Repository wraps a database handle shared by every persisted collection.
type Repository struct {
	db     *sqlx.DB
	driver string
}

// Open connects to driver ("sqlite3", "mysql", or "postgres") at dsn and
// runs any pending migrations.
func Open(driver, dsn string) (*Repository, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, err
	}
	r := &Repository{db: db, driver: driver}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) version() (string, error) {
	var v string
	err := r.db.Get(&v, r.rebind("SELECT val FROM config WHERE key = ?"), versionKey)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (r *Repository) setVersion(v string) error {
	_, err := r.db.Exec(r.rebind("DELETE FROM config WHERE key = ?"), versionKey)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(r.rebind("INSERT INTO config(key, val) VALUES (?, ?)"), versionKey, v)
	return err
}

// rebind converts '?' placeholders into the target driver's bind syntax
// (sqlx.Rebind handles $1-style postgres automatically).
func (r *Repository) rebind(query string) string {
	return r.db.Rebind(query)
}

// migrate creates the schema on a fresh database and upgrades an existing
// one, following the teacher's "config(key,val) version row" idiom.
func (r *Repository) migrate() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS config (
		key VARCHAR(255) PRIMARY KEY,
		val VARCHAR(255) NOT NULL
	)`)
	if err != nil {
		return err
	}

	version, err := r.version()
	if err != nil {
		return err
	}

	if version == "" {
		if err := r.createV1Schema(); err != nil {
			return err
		}
		return r.setVersion(latestVersion)
	}

	if version != latestVersion {
		return fmt.Errorf("repository: unknown schema version %q", version)
	}
	glog.Infof("repository: schema at version %s", version)
	return nil
}

func (r *Repository) createV1Schema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS torrents (
			info_hash   VARCHAR(40) PRIMARY KEY,
			completed   BIGINT NOT NULL DEFAULT 0,
			whitelisted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS blacklist (
			info_hash VARCHAR(40) PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS keys (
			key_hash   VARCHAR(40) PRIMARY KEY,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			passkey    VARCHAR(64) PRIMARY KEY,
			user_id    VARCHAR(64) NOT NULL,
			uploaded   BIGINT NOT NULL DEFAULT 0,
			downloaded BIGINT NOT NULL DEFAULT 0,
			completed  BIGINT NOT NULL DEFAULT 0,
			active     BOOLEAN NOT NULL DEFAULT TRUE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
