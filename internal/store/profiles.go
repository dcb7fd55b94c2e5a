package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"browserd/internal/errs"
	"browserd/internal/logging"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

const profilesSchema = `
CREATE TABLE IF NOT EXISTS storage_profiles (
	owner       TEXT    NOT NULL,
	profile_id  TEXT    NOT NULL,
	payload     BLOB    NOT NULL,
	checksum    TEXT    NOT NULL,
	size        INTEGER NOT NULL,
	domains     TEXT    NOT NULL DEFAULT '[]',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (owner, profile_id)
);
CREATE INDEX IF NOT EXISTS idx_storage_profiles_updated ON storage_profiles(owner, updated_at);
`

var profileIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ProfileMeta describes a stored profile without its payload.
type ProfileMeta struct {
	Owner      string    `json:"owner"`
	ID         string    `json:"id"`
	Size       int       `json:"size"`
	StoredSize int       `json:"storedSize"`
	Checksum   string    `json:"checksum"`
	Domains    []string  `json:"domains"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Profiles persists storage payloads keyed by (owner, profile id). Payloads
// are zstd-compressed and carry a sha256 of the uncompressed bytes that is
// verified on every load.
type Profiles struct {
	db   *sql.DB
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	path string
	now  func() time.Time
}

// OpenProfiles opens (creating if needed) the profile database at path.
func OpenProfiles(path string) (*Profiles, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenProfiles")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.StorageIO("store.open", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.StorageIO("store.open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec(profilesSchema); err != nil {
		_ = db.Close()
		return nil, errs.StorageIO("store.open", fmt.Errorf("create schema: %w", err))
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, errs.StorageIO("store.open", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, errs.StorageIO("store.open", err)
	}
	logging.Store("Profile store ready at %s", path)
	return &Profiles{db: db, enc: enc, dec: dec, path: path, now: time.Now}, nil
}

// Close releases the database and codecs.
func (p *Profiles) Close() error {
	p.dec.Close()
	_ = p.enc.Close()
	return p.db.Close()
}

// Save writes payload under (owner, id), replacing any previous version but
// keeping its creation time.
func (p *Profiles) Save(ctx context.Context, owner, id string, payload []byte, domains []string) (*ProfileMeta, error) {
	if !profileIDPattern.MatchString(id) {
		return nil, errs.Invalid("store.save", "invalid profile id %q", id)
	}
	if domains == nil {
		domains = []string{}
	}
	domainsJSON, err := json.Marshal(domains)
	if err != nil {
		return nil, errs.StorageIO("store.save", err)
	}
	sum := sha256.Sum256(payload)
	blob := p.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	now := p.now().UTC()

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO storage_profiles (owner, profile_id, payload, checksum, size, domains, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, profile_id) DO UPDATE SET
			payload = excluded.payload,
			checksum = excluded.checksum,
			size = excluded.size,
			domains = excluded.domains,
			updated_at = excluded.updated_at`,
		owner, id, blob, hex.EncodeToString(sum[:]), len(payload), string(domainsJSON), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, errs.StorageIO("store.save", err)
	}
	logging.StoreDebug("Saved profile %s/%s: %d bytes (%d stored)", owner, id, len(payload), len(blob))
	return p.Get(ctx, owner, id)
}

// Load returns the payload stored under (owner, id).
func (p *Profiles) Load(ctx context.Context, owner, id string) ([]byte, *ProfileMeta, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT payload, checksum, size, domains, created_at, updated_at
		FROM storage_profiles WHERE owner = ? AND profile_id = ?`, owner, id)
	var (
		blob    []byte
		domains string
		meta    = ProfileMeta{Owner: owner, ID: id}
		created int64
		updated int64
	)
	err := row.Scan(&blob, &meta.Checksum, &meta.Size, &domains, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, errs.NotFound("store.load", "profile %s not found", id)
	}
	if err != nil {
		return nil, nil, errs.StorageIO("store.load", err)
	}
	payload, err := p.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, nil, errs.StorageIO("store.load", fmt.Errorf("decompress profile %s: %w", id, err))
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != meta.Checksum || len(payload) != meta.Size {
		logging.Get(logging.CategoryStore).Error("Profile %s/%s failed checksum verification", owner, id)
		return nil, nil, errs.StorageIO("store.load", fmt.Errorf("profile %s: checksum mismatch", id))
	}
	meta.StoredSize = len(blob)
	meta.CreatedAt = time.UnixMilli(created).UTC()
	meta.UpdatedAt = time.UnixMilli(updated).UTC()
	if err := json.Unmarshal([]byte(domains), &meta.Domains); err != nil {
		return nil, nil, errs.StorageIO("store.load", err)
	}
	return payload, &meta, nil
}

// Get returns the metadata of one profile.
func (p *Profiles) Get(ctx context.Context, owner, id string) (*ProfileMeta, error) {
	rows, err := p.query(ctx, `WHERE owner = ? AND profile_id = ?`, owner, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.NotFound("store.get", "profile %s not found", id)
	}
	return &rows[0], nil
}

// List returns metadata for every profile of owner, ordered by id.
func (p *Profiles) List(ctx context.Context, owner string) ([]ProfileMeta, error) {
	return p.query(ctx, `WHERE owner = ? ORDER BY profile_id`, owner)
}

// Delete removes one profile.
func (p *Profiles) Delete(ctx context.Context, owner, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM storage_profiles WHERE owner = ? AND profile_id = ?`, owner, id)
	if err != nil {
		return errs.StorageIO("store.delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.StorageIO("store.delete", err)
	}
	if n == 0 {
		return errs.NotFound("store.delete", "profile %s not found", id)
	}
	logging.StoreDebug("Deleted profile %s/%s", owner, id)
	return nil
}

func (p *Profiles) query(ctx context.Context, where string, args ...interface{}) ([]ProfileMeta, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT owner, profile_id, length(payload), checksum, size, domains, created_at, updated_at
		FROM storage_profiles `+where, args...)
	if err != nil {
		return nil, errs.StorageIO("store.query", err)
	}
	defer rows.Close()

	out := []ProfileMeta{}
	for rows.Next() {
		var (
			m       ProfileMeta
			domains string
			created int64
			updated int64
		)
		if err := rows.Scan(&m.Owner, &m.ID, &m.StoredSize, &m.Checksum, &m.Size, &domains, &created, &updated); err != nil {
			return nil, errs.StorageIO("store.query", err)
		}
		if err := json.Unmarshal([]byte(domains), &m.Domains); err != nil {
			return nil, errs.StorageIO("store.query", err)
		}
		m.CreatedAt = time.UnixMilli(created).UTC()
		m.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.StorageIO("store.query", err)
	}
	return out, nil
}

// Ping checks the database is reachable.
func (p *Profiles) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return errs.StorageIO("store.ping", err)
	}
	return nil
}

// Path is the database file backing the store.
func (p *Profiles) Path() string { return p.path }
