// Package storage keeps the session token durable across process
// restarts. Records live in a SQLite file and are sealed with a per-install
// key kept next to it.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TokenName is the row the session token is stored under.
const TokenName = "token"

// Database provides high-level helpers around a SQLite connection.
type Database struct {
	db     *sql.DB
	sealer *sealer
	now    func() time.Time

	saveStmt   *sql.Stmt
	loadStmt   *sql.Stmt
	deleteStmt *sql.Stmt
}

// Open opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and loads (or creates) the install key at keyPath.
func Open(dbPath, keyPath string) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	sealer, err := newSealer(key)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	database := &Database{db: db, sealer: sealer, now: time.Now}
	if err := database.prepareStatements(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	for _, stmt := range []*sql.Stmt{d.saveStmt, d.loadStmt, d.deleteStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return d.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
            name TEXT PRIMARY KEY,
            sealed BLOB NOT NULL,
            updated_at DATETIME NOT NULL
        );`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.saveStmt, err = d.db.Prepare(`INSERT INTO credentials(name,sealed,updated_at) VALUES(?,?,?)
        ON CONFLICT(name) DO UPDATE SET sealed=excluded.sealed, updated_at=excluded.updated_at`); err != nil {
		return err
	}
	if d.loadStmt, err = d.db.Prepare(`SELECT sealed FROM credentials WHERE name=?`); err != nil {
		return err
	}
	if d.deleteStmt, err = d.db.Prepare(`DELETE FROM credentials WHERE name=?`); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Token helpers
// ---------------------------------------------------------------------------

// SaveToken stores token, replacing any previous one.
func (d *Database) SaveToken(token string) error {
	if token == "" {
		return errors.New("storage: refusing to save an empty token")
	}
	now := d.now().UTC()
	blob, err := d.sealer.seal(TokenName, record{Token: token, SavedAt: now})
	if err != nil {
		return err
	}
	if _, err := d.saveStmt.Exec(TokenName, blob, now); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// LoadToken returns the stored token, or "" when none is stored. A record
// that cannot be opened yields ErrCorrupt.
func (d *Database) LoadToken() (string, error) {
	rec, err := d.load(TokenName)
	if err != nil {
		return "", err
	}
	return rec.Token, nil
}

// TokenSavedAt reports when the stored token was written. The zero time
// means no token is stored.
func (d *Database) TokenSavedAt() (time.Time, error) {
	rec, err := d.load(TokenName)
	if err != nil {
		return time.Time{}, err
	}
	return rec.SavedAt, nil
}

// DeleteToken removes the stored token. Deleting an absent token is not
// an error.
func (d *Database) DeleteToken() error {
	if _, err := d.deleteStmt.Exec(TokenName); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

func (d *Database) load(name string) (record, error) {
	var blob []byte
	err := d.loadStmt.QueryRow(name).Scan(&blob)
	if err == sql.ErrNoRows {
		return record{}, nil
	}
	if err != nil {
		return record{}, fmt.Errorf("load %s: %w", name, err)
	}
	return d.sealer.open(name, blob)
}
