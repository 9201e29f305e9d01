package waymark

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// StoreConfig configures the local record store.
type StoreConfig struct {
	// Path to the SQLite database file
	Path string `yaml:"path"`

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int `yaml:"cache_size"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `yaml:"journal_mode"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string `yaml:"synchronous"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int `yaml:"busy_timeout"`

	// MaxConnections is the max number of database connections
	MaxConnections int `yaml:"max_connections"`

	// Encryption configures encryption at rest for payload blobs.
	// If nil or Enabled is false, payloads are stored unencrypted.
	Encryption *EncryptionConfig `yaml:"encryption,omitempty"`

	// Logger receives per-record serialization warnings. Defaults to
	// slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// DefaultStoreConfig returns default store configuration.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{
		Path:           path,
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// Store is the local durable record store backed by SQLite.
// Writes are atomic per record; every state change bumps the ChangeSignal.
type Store struct {
	db     *sql.DB
	config StoreConfig
	enc    *Encryptor
	signal *ChangeSignal
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool

	// Prepared statements for common operations
	upsertStmt     *sql.Stmt
	selectStmt     *sql.Stmt
	deleteStmt     *sql.Stmt
	pendingStmt    *sql.Stmt
	unsyncedStmt   *sql.Stmt
	markSyncedStmt *sql.Stmt
	setPendingStmt *sql.Stmt
}

// NewStore opens (or creates) the local record store.
func NewStore(config StoreConfig) (*Store, error) {
	if config.Path == "" {
		return nil, newSyncError(SyncErrorInvalidArgument, "store path is empty", RecordKey{}, nil)
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=busy_timeout(%d)&_pragma=cache_size(-%d)",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout, config.CacheSize)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newSyncError(SyncErrorStorage, "failed to open store", RecordKey{}, err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	var enc *Encryptor
	if config.Encryption != nil && config.Encryption.Enabled {
		enc, err = NewEncryptor(*config.Encryption)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &Store{
		db:     db,
		config: config,
		enc:    enc,
		signal: NewChangeSignal(),
		logger: config.Logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			owner_id       TEXT NOT NULL,
			kind           TEXT NOT NULL,
			record_id      TEXT NOT NULL,
			payload        BLOB NOT NULL,
			date_modified  INTEGER NOT NULL,
			last_sync      INTEGER NOT NULL DEFAULT 0,
			pending_upload INTEGER NOT NULL DEFAULT 0,
			deleted        INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (owner_id, kind, record_id)
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			owner_id     TEXT PRIMARY KEY,
			last_sync    INTEGER NOT NULL,
			device_id    TEXT NOT NULL,
			sync_version INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conflicts (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			data        BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner_id);
		CREATE INDEX IF NOT EXISTS idx_records_modified ON records(owner_id, date_modified);
		CREATE INDEX IF NOT EXISTS idx_records_pending ON records(owner_id, pending_upload);
		CREATE INDEX IF NOT EXISTS idx_conflicts_owner ON conflicts(owner_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return newSyncError(SyncErrorStorage, "failed to create schema", RecordKey{}, err)
	}
	return nil
}

func (s *Store) prepareStatements() error {
	var err error

	s.upsertStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO records
			(owner_id, kind, record_id, payload, date_modified, last_sync, pending_upload, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to prepare upsert", RecordKey{}, err)
	}

	s.selectStmt, err = s.db.Prepare(`
		SELECT payload, date_modified, last_sync, pending_upload, deleted
		FROM records WHERE owner_id = ? AND kind = ? AND record_id = ?
	`)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to prepare select", RecordKey{}, err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM records WHERE owner_id = ? AND kind = ? AND record_id = ?`)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to prepare delete", RecordKey{}, err)
	}

	s.pendingStmt, err = s.db.Prepare(`
		SELECT kind, record_id, payload, date_modified, last_sync, pending_upload, deleted
		FROM records WHERE owner_id = ? AND pending_upload = 1
		ORDER BY date_modified, record_id
	`)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to prepare pending scan", RecordKey{}, err)
	}

	s.unsyncedStmt, err = s.db.Prepare(`
		SELECT kind, record_id, payload, date_modified, last_sync, pending_upload, deleted
		FROM records WHERE owner_id = ? AND (pending_upload = 1 OR date_modified > last_sync)
		ORDER BY date_modified, record_id
	`)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to prepare unsynced scan", RecordKey{}, err)
	}

	s.markSyncedStmt, err = s.db.Prepare(`
		UPDATE records SET pending_upload = 0, last_sync = ?
		WHERE owner_id = ? AND kind = ? AND record_id = ? AND date_modified <= ?
	`)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to prepare mark synced", RecordKey{}, err)
	}

	s.setPendingStmt, err = s.db.Prepare(`
		UPDATE records SET pending_upload = ?
		WHERE owner_id = ? AND kind = ? AND record_id = ?
	`)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to prepare set pending", RecordKey{}, err)
	}

	return nil
}

// Signal returns the store's change signal.
func (s *Store) Signal() *ChangeSignal {
	return s.signal
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *Store) encodePayload(key RecordKey, p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, newSyncError(SyncErrorSerialization, "failed to encode payload", key, err)
	}
	if s.enc != nil {
		data, err = s.enc.Encrypt(data)
		if err != nil {
			return nil, newSyncError(SyncErrorSerialization, "failed to encrypt payload", key, err)
		}
	}
	return data, nil
}

func (s *Store) decodePayload(key RecordKey, data []byte) (Payload, error) {
	var err error
	if s.enc != nil {
		data, err = s.enc.Decrypt(data)
		if err != nil {
			return Payload{}, newSyncError(SyncErrorSerialization, "failed to decrypt payload", key, err)
		}
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, newSyncError(SyncErrorSerialization, "failed to decode payload", key, err)
	}
	return p, nil
}

// Put writes a record. Set-valued payload fields are normalized so equal
// content always encodes identically; the write is atomic and bumps the
// change signal.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	rec.Payload = rec.Payload.Clone()
	rec.Payload.Normalize()

	payload, err := s.encodePayload(rec.Key(), rec.Payload)
	if err != nil {
		return err
	}

	_, err = s.upsertStmt.ExecContext(ctx,
		rec.OwnerID, string(rec.Kind), rec.RecordID, payload,
		rec.DateModified, rec.LastSyncTimestamp, boolInt(rec.PendingUpload), boolInt(rec.Deleted))
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to write record", rec.Key(), err)
	}

	s.signal.Bump()
	return nil
}

// Get reads a record by identity. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, owner string, kind RecordKind, id string) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}

	key := RecordKey{OwnerID: owner, Kind: kind, RecordID: id}
	var payload []byte
	var pending, deleted int
	rec := Record{OwnerID: owner, Kind: kind, RecordID: id}

	err := s.selectStmt.QueryRowContext(ctx, owner, string(kind), id).
		Scan(&payload, &rec.DateModified, &rec.LastSyncTimestamp, &pending, &deleted)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, newSyncError(SyncErrorStorage, "failed to read record", key, err)
	}

	rec.PendingUpload = pending != 0
	rec.Deleted = deleted != 0
	rec.Payload, err = s.decodePayload(key, payload)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes a record row. Propagating the deletion remotely is the
// engine's job; callers wanting a tombstone write one via Put instead.
func (s *Store) Delete(ctx context.Context, owner string, kind RecordKind, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.deleteStmt.ExecContext(ctx, owner, string(kind), id)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to delete record",
			RecordKey{OwnerID: owner, Kind: kind, RecordID: id}, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.signal.Bump()
	}
	return nil
}

// ScanFunc streams all records for an owner (optionally filtered by kind)
// to fn in (date_modified, record_id) order. Records whose payload cannot
// be decoded are logged and skipped; the scan continues. fn returning an
// error stops the scan.
func (s *Store) ScanFunc(ctx context.Context, owner string, kind RecordKind, fn func(Record) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
		SELECT kind, record_id, payload, date_modified, last_sync, pending_upload, deleted
		FROM records WHERE owner_id = ?`
	args := []any{owner}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY date_modified, record_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to scan records", RecordKey{OwnerID: owner}, err)
	}
	defer rows.Close()

	return s.consumeRows(rows, owner, fn)
}

// Scan returns the records for an owner and kind matching pred.
// A nil pred matches everything.
func (s *Store) Scan(ctx context.Context, owner string, kind RecordKind, pred func(*Record) bool) ([]Record, error) {
	var out []Record
	err := s.ScanFunc(ctx, owner, kind, func(r Record) error {
		if pred == nil || pred(&r) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// ListPending returns the records awaiting upload, oldest first.
func (s *Store) ListPending(ctx context.Context, owner string) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.pendingStmt.QueryContext(ctx, owner)
	if err != nil {
		return nil, newSyncError(SyncErrorStorage, "failed to list pending records", RecordKey{OwnerID: owner}, err)
	}
	defer rows.Close()

	return s.collectRows(rows, owner)
}

// ListUnsynced returns records that were modified after their last sync or
// are flagged pending. This is the initial-sync sweep set.
func (s *Store) ListUnsynced(ctx context.Context, owner string) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.unsyncedStmt.QueryContext(ctx, owner)
	if err != nil {
		return nil, newSyncError(SyncErrorStorage, "failed to list unsynced records", RecordKey{OwnerID: owner}, err)
	}
	defer rows.Close()

	return s.collectRows(rows, owner)
}

// CountPending returns the number of records awaiting upload.
func (s *Store) CountPending(ctx context.Context, owner string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE owner_id = ? AND pending_upload = 1`, owner).Scan(&n)
	if err != nil {
		return 0, newSyncError(SyncErrorStorage, "failed to count pending records", RecordKey{OwnerID: owner}, err)
	}
	return n, nil
}

// SetPending updates the persisted pending flag for a record.
func (s *Store) SetPending(ctx context.Context, key RecordKey, pending bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.setPendingStmt.ExecContext(ctx, boolInt(pending), key.OwnerID, string(key.Kind), key.RecordID)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to update pending flag", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.signal.Bump()
	return nil
}

// MarkSynced records a confirmed upload: clears the pending flag and sets
// last_sync, but only if the record was not modified again after the
// pushed version (date_modified <= pushedModified). Returns true if the
// record was marked.
func (s *Store) MarkSynced(ctx context.Context, key RecordKey, syncTS, pushedModified int64) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	res, err := s.markSyncedStmt.ExecContext(ctx, syncTS, key.OwnerID, string(key.Kind), key.RecordID, pushedModified)
	if err != nil {
		return false, newSyncError(SyncErrorStorage, "failed to mark record synced", key, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.signal.Bump()
	}
	return n > 0, nil
}

// Checkpoint returns the sync checkpoint for an owner, or ErrNotFound if
// no sync has completed yet.
func (s *Store) Checkpoint(ctx context.Context, owner string) (SyncCheckpoint, error) {
	if err := s.checkOpen(); err != nil {
		return SyncCheckpoint{}, err
	}

	cp := SyncCheckpoint{OwnerID: owner}
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync, device_id, sync_version FROM checkpoints WHERE owner_id = ?`, owner).
		Scan(&cp.LastSyncTimestamp, &cp.DeviceID, &cp.SyncVersion)
	if err == sql.ErrNoRows {
		return SyncCheckpoint{}, ErrNotFound
	}
	if err != nil {
		return SyncCheckpoint{}, newSyncError(SyncErrorStorage, "failed to read checkpoint", RecordKey{OwnerID: owner}, err)
	}
	return cp, nil
}

// SaveCheckpoint upserts the sync checkpoint for an owner.
func (s *Store) SaveCheckpoint(ctx context.Context, cp SyncCheckpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (owner_id, last_sync, device_id, sync_version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			last_sync = excluded.last_sync,
			device_id = excluded.device_id,
			sync_version = excluded.sync_version
	`, cp.OwnerID, cp.LastSyncTimestamp, cp.DeviceID, cp.SyncVersion)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to save checkpoint", RecordKey{OwnerID: cp.OwnerID}, err)
	}
	return nil
}

// PutConflict persists a detected conflict. Re-detecting a conflict for
// the same record replaces the previous entry.
func (s *Store) PutConflict(ctx context.Context, c Conflict) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return newSyncError(SyncErrorSerialization, "failed to encode conflict", c.Local.Key(), err)
	}
	if s.enc != nil {
		data, err = s.enc.Encrypt(data)
		if err != nil {
			return newSyncError(SyncErrorSerialization, "failed to encrypt conflict", c.Local.Key(), err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO conflicts (id, owner_id, detected_at, data)
		VALUES (?, ?, ?, ?)
	`, c.ID, c.Local.OwnerID, c.DetectedAt, data)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to write conflict", c.Local.Key(), err)
	}

	s.signal.Bump()
	return nil
}

// GetConflict reads a conflict by id. Returns ErrNotFound if absent.
func (s *Store) GetConflict(ctx context.Context, id string) (Conflict, error) {
	if err := s.checkOpen(); err != nil {
		return Conflict{}, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM conflicts WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return Conflict{}, ErrNotFound
	}
	if err != nil {
		return Conflict{}, newSyncError(SyncErrorStorage, "failed to read conflict", RecordKey{}, err)
	}
	return s.decodeConflict(data)
}

// Conflicts returns all unresolved conflicts for an owner, oldest first.
func (s *Store) Conflicts(ctx context.Context, owner string) ([]Conflict, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM conflicts WHERE owner_id = ? ORDER BY detected_at, id`, owner)
	if err != nil {
		return nil, newSyncError(SyncErrorStorage, "failed to list conflicts", RecordKey{OwnerID: owner}, err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, newSyncError(SyncErrorStorage, "failed to scan conflict", RecordKey{OwnerID: owner}, err)
		}
		c, err := s.decodeConflict(data)
		if err != nil {
			s.logger.Warn("skipping undecodable conflict", "owner", owner, "err", err)
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConflict removes a resolved conflict.
func (s *Store) DeleteConflict(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return newSyncError(SyncErrorStorage, "failed to delete conflict", RecordKey{}, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.signal.Bump()
	}
	return nil
}

// ConflictCount returns the number of unresolved conflicts for an owner.
func (s *Store) ConflictCount(ctx context.Context, owner string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE owner_id = ?`, owner).Scan(&n)
	if err != nil {
		return 0, newSyncError(SyncErrorStorage, "failed to count conflicts", RecordKey{OwnerID: owner}, err)
	}
	return n, nil
}

// Close releases the store's resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.upsertStmt, s.selectStmt, s.deleteStmt,
		s.pendingStmt, s.unsyncedStmt, s.markSyncedStmt, s.setPendingStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *Store) decodeConflict(data []byte) (Conflict, error) {
	var err error
	if s.enc != nil {
		data, err = s.enc.Decrypt(data)
		if err != nil {
			return Conflict{}, newSyncError(SyncErrorSerialization, "failed to decrypt conflict", RecordKey{}, err)
		}
	}
	var c Conflict
	if err := json.Unmarshal(data, &c); err != nil {
		return Conflict{}, newSyncError(SyncErrorSerialization, "failed to decode conflict", RecordKey{}, err)
	}
	return c, nil
}

func (s *Store) consumeRows(rows *sql.Rows, owner string, fn func(Record) error) error {
	for rows.Next() {
		var kind string
		var payload []byte
		var pending, deleted int
		rec := Record{OwnerID: owner}

		if err := rows.Scan(&kind, &rec.RecordID, &payload,
			&rec.DateModified, &rec.LastSyncTimestamp, &pending, &deleted); err != nil {
			return newSyncError(SyncErrorStorage, "failed to scan record row", RecordKey{OwnerID: owner}, err)
		}
		rec.Kind = RecordKind(kind)
		rec.PendingUpload = pending != 0
		rec.Deleted = deleted != 0

		var err error
		rec.Payload, err = s.decodePayload(rec.Key(), payload)
		if err != nil {
			// Single-record failure: log and continue with other records.
			s.logger.Warn("skipping undecodable record", "key", rec.Key().String(), "err", err)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) collectRows(rows *sql.Rows, owner string) ([]Record, error) {
	var out []Record
	if err := s.consumeRows(rows, owner, func(r Record) error {
		out = append(out, r)
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nowMillis is the store-wide wall clock, millisecond resolution.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
