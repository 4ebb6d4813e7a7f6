package devicestorage

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS profiles (
	profile    TEXT PRIMARY KEY,
	registry   BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

const sqliteUpsert = `
INSERT INTO profiles (profile, registry, updated_at) VALUES (?1, ?2, ?3)
ON CONFLICT(profile) DO UPDATE SET registry = excluded.registry, updated_at = excluded.updated_at;`

// SQLiteDB is a SQLite file that can hold the registries of several device profiles.
type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite db")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping sqlite db")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create profiles table")
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Profile returns the blob stored under the given device profile.
func (s *SQLiteDB) Profile(profile string) *SQLiteBlob {
	return &SQLiteBlob{db: s.db, profile: profile}
}

type SQLiteBlob struct {
	db      *sql.DB
	profile string
}

func (b *SQLiteBlob) ReadAll(ctx context.Context) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT registry FROM profiles WHERE profile = ?1`, b.profile).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read profile %s", b.profile)
	}
	return data, nil
}

func (b *SQLiteBlob) WriteAll(ctx context.Context, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	if _, err := b.db.ExecContext(ctx, sqliteUpsert, b.profile, data, time.Now().UTC().UnixMilli()); err != nil {
		return errors.Wrapf(err, "failed to write profile %s", b.profile)
	}
	return nil
}
