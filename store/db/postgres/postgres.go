package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/chatvault/chatvault/internal/profile"
	"github.com/chatvault/chatvault/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL database specified by the profile DSN.
func NewDB(p *profile.Profile) (store.Driver, error) {
	if p.DSN == "" {
		return nil, errors.Wrap(store.ErrStorageUnavailable, "dsn required")
	}

	pgDB, err := sql.Open("postgres", p.DSN)
	if err != nil {
		return nil, errors.Wrapf(store.ErrStorageUnavailable, "open db with dsn %s: %v", p.DSN, err)
	}

	pgDB.SetMaxOpenConns(10)
	pgDB.SetMaxIdleConns(5)
	pgDB.SetConnMaxLifetime(30 * time.Minute)

	return &DB{db: pgDB, profile: p}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS conversation (
	uid TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	model_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_updated_ts ON conversation (updated_ts DESC);

CREATE TABLE IF NOT EXISTS message (
	seq BIGSERIAL PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	conversation_uid TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_conversation_created ON message (conversation_uid, created_ts);

CREATE TABLE IF NOT EXISTS folder (
	uid TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	conversation_uids TEXT NOT NULL DEFAULT '[]',
	sort_order INTEGER NOT NULL DEFAULT 0,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrapf(store.ErrStorageUnavailable, "migrate: %v", err)
	}
	return nil
}

func storageErr(err error, op string) error {
	return errors.Wrapf(store.ErrStorageUnavailable, "%s: %v", op, err)
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func marshalJSON(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(raw)
}

func unmarshalMetadata(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func mergeMetadata(existing map[string]any, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return existing
	}
	if existing == nil {
		existing = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		existing[k] = v
	}
	return existing
}

type rowScanner interface {
	Scan(dest ...any) error
}
