package tether

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// LocalStoreConfig configures the durable local store.
type LocalStoreConfig struct {
	// Path to the SQLite database file
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int

	// MaxSizeBytes caps the database file size. Zero means platform
	// limits only. When exceeded, writes fail with ErrStorageExhausted.
	MaxSizeBytes int64

	// Encryption enables at-rest encryption of stored payloads.
	Encryption EncryptionConfig
}

// DefaultLocalStoreConfig returns default configuration.
func DefaultLocalStoreConfig() LocalStoreConfig {
	return LocalStoreConfig{
		Path:           "tether.db",
		CacheSize:      2000,
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// LocalStore is the durable, indexed, per-origin store backing all engine
// state: records, pending mutations, sync cursors, and snapshots. Reads
// never observe partial writes; a successful put is visible to subsequent
// reads across process restarts.
type LocalStore struct {
	db        *sql.DB
	config    LocalStoreConfig
	encryptor *Encryptor
	mu        sync.RWMutex
	closed    bool

	// Prepared statements for hot paths
	getRecordStmt *sql.Stmt
	putRecordStmt *sql.Stmt
	appendMutStmt *sql.Stmt
	getCursorStmt *sql.Stmt
	putCursorStmt *sql.Stmt
}

// NewLocalStore opens (or creates) the local store at the configured path.
func NewLocalStore(config LocalStoreConfig) (*LocalStore, error) {
	if config.Path == "" {
		config.Path = "tether.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		config.Path, config.CacheSize, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &LocalStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := store.initEncryption(config.Encryption); err != nil {
		db.Close()
		return nil, err
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

func (s *LocalStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			payload BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			version INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			last_synced_at INTEGER NOT NULL DEFAULT 0,
			mutation_id TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			clock TEXT,
			PRIMARY KEY (collection, id)
		);

		CREATE TABLE IF NOT EXISTS pending_mutations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			mutation_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			collection TEXT NOT NULL,
			record_id TEXT NOT NULL,
			payload BLOB,
			version INTEGER NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			clock TEXT
		);

		CREATE TABLE IF NOT EXISTS sync_cursors (
			tenant_id TEXT NOT NULL,
			collection TEXT NOT NULL,
			last_pulled_at INTEGER NOT NULL DEFAULT 0,
			last_pushed_mutation TEXT NOT NULL DEFAULT '',
			last_status TEXT NOT NULL DEFAULT 'idle',
			last_error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tenant_id, collection)
		);

		CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			payload BLOB,
			created_at INTEGER NOT NULL,
			checksum TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value BLOB
		);

		CREATE INDEX IF NOT EXISTS idx_records_tenant ON records(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_records_type ON records(type);
		CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);
		CREATE INDEX IF NOT EXISTS idx_mutations_tenant_ts ON pending_mutations(tenant_id, ts);
		CREATE INDEX IF NOT EXISTS idx_mutations_collection ON pending_mutations(collection);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// initEncryption sets up the payload encryptor, persisting the key
// derivation salt so the same password reopens the store.
func (s *LocalStore) initEncryption(cfg EncryptionConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.KeyPassword != "" && len(cfg.Key) == 0 {
		var salt []byte
		err := s.db.QueryRow(`SELECT value FROM store_meta WHERE key = 'encryption_salt'`).Scan(&salt)
		if err == nil && len(salt) == EncryptionSaltSize {
			enc, derr := NewEncryptorWithSalt(cfg.KeyPassword, salt)
			if derr != nil {
				return derr
			}
			s.encryptor = enc
			return nil
		}
	}

	enc, err := NewEncryptor(cfg)
	if err != nil {
		return err
	}
	s.encryptor = enc

	if salt := enc.Salt(); len(salt) > 0 {
		if _, err := s.db.Exec(`INSERT OR REPLACE INTO store_meta (key, value) VALUES ('encryption_salt', ?)`, salt); err != nil {
			return fmt.Errorf("failed to persist encryption salt: %w", err)
		}
	}
	return nil
}

func (s *LocalStore) prepareStatements() error {
	var err error

	s.getRecordStmt, err = s.db.Prepare(`
		SELECT id, tenant_id, type, payload, created_at, updated_at, version,
		       deleted, last_synced_at, mutation_id, client_id, clock
		FROM records WHERE collection = ? AND id = ?
	`)
	if err != nil {
		return err
	}

	s.putRecordStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO records
			(collection, id, tenant_id, type, payload, created_at, updated_at,
			 version, deleted, last_synced_at, mutation_id, client_id, clock)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.appendMutStmt, err = s.db.Prepare(`
		INSERT INTO pending_mutations
			(mutation_id, tenant_id, kind, collection, record_id, payload,
			 version, ts, retry_count, last_error, status, clock)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.getCursorStmt, err = s.db.Prepare(`
		SELECT last_pulled_at, last_pushed_mutation, last_status, last_error
		FROM sync_cursors WHERE tenant_id = ? AND collection = ?
	`)
	if err != nil {
		return err
	}

	s.putCursorStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO sync_cursors
			(tenant_id, collection, last_pulled_at, last_pushed_mutation, last_status, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	return err
}

// Close releases the store's resources.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.getRecordStmt, s.putRecordStmt, s.appendMutStmt, s.getCursorStmt, s.putCursorStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *LocalStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// mapWriteErr converts low-level write failures into store errors, mapping
// a full database onto ErrStorageExhausted.
func mapWriteErr(err error, collection string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "disk is full") {
		return newStoreError(StoreErrorTypeExhausted, "storage exhausted", collection, err)
	}
	return newStoreError(StoreErrorTypeWrite, "write failed", collection, err)
}

// checkCapacity enforces the optional MaxSizeBytes budget before a write.
func (s *LocalStore) checkCapacity(ctx context.Context) error {
	if s.config.MaxSizeBytes <= 0 {
		return nil
	}
	var size int64
	row := s.db.QueryRowContext(ctx, `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`)
	if err := row.Scan(&size); err != nil {
		return nil
	}
	if size >= s.config.MaxSizeBytes {
		return newStoreError(StoreErrorTypeExhausted, "storage exhausted", "", nil)
	}
	return nil
}

func (s *LocalStore) sealPayload(payload []byte) ([]byte, error) {
	if s.encryptor == nil || len(payload) == 0 {
		return payload, nil
	}
	return s.encryptor.Encrypt(payload)
}

func (s *LocalStore) openPayload(payload []byte) ([]byte, error) {
	if s.encryptor == nil || len(payload) == 0 {
		return payload, nil
	}
	return s.encryptor.Decrypt(payload)
}

func marshalClock(clock map[string]uint64) ([]byte, error) {
	if len(clock) == 0 {
		return nil, nil
	}
	return json.Marshal(clock)
}

func unmarshalClock(data []byte) map[string]uint64 {
	if len(data) == 0 {
		return nil
	}
	var clock map[string]uint64
	if err := json.Unmarshal(data, &clock); err != nil {
		return nil
	}
	return clock
}

// GetRecord returns a record, including tombstones. Missing records report
// ErrNotFound.
func (s *LocalStore) GetRecord(ctx context.Context, collection, id string) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.getRecordStmt.QueryRowContext(ctx, collection, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "read failed", collection, err)
	}

	rec.Payload, err = s.openPayload(rec.Payload)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "payload decrypt failed", collection, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var deleted int
	var clockJSON []byte
	var payload []byte
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Type, &payload,
		&rec.Meta.CreatedAt, &rec.Meta.UpdatedAt, &rec.Meta.Version,
		&deleted, &rec.Meta.LastSyncedAt, &rec.Meta.MutationID,
		&rec.Meta.ClientID, &clockJSON)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.Meta.Deleted = deleted != 0
	rec.Meta.VectorClock = unmarshalClock(clockJSON)
	return &rec, nil
}

// ListRecords returns all records in a collection for a tenant, filtered and
// ordered by the query. Tombstones are included unless the query excludes
// them.
func (s *LocalStore) ListRecords(ctx context.Context, collection, tenantID string, q RecordQuery) ([]*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, type, payload, created_at, updated_at, version,
		       deleted, last_synced_at, mutation_id, client_id, clock
		FROM records WHERE collection = ? AND tenant_id = ?`
	args := []any{collection, tenantID}

	if q.Type != "" {
		query += ` AND type = ?`
		args = append(args, q.Type)
	}
	if q.UpdatedSince > 0 {
		query += ` AND updated_at > ?`
		args = append(args, q.UpdatedSince)
	}
	if !q.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	if q.OrderByUpdatedAt {
		query += ` ORDER BY updated_at`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "list failed", collection, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "scan failed", collection, err)
		}
		rec.Payload, err = s.openPayload(rec.Payload)
		if err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "payload decrypt failed", collection, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PutRecord writes a record row. Callers that also append a mutation use
// PutRecordWithMutation so both land in one transaction.
func (s *LocalStore) PutRecord(ctx context.Context, collection string, rec *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.checkCapacity(ctx); err != nil {
		return err
	}

	payload, err := s.sealPayload(rec.Payload)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "payload encrypt failed", collection, err)
	}
	clockJSON, err := marshalClock(rec.Meta.VectorClock)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "clock encode failed", collection, err)
	}

	_, err = s.putRecordStmt.ExecContext(ctx, collection, rec.ID, rec.TenantID,
		rec.Type, payload, rec.Meta.CreatedAt, rec.Meta.UpdatedAt,
		rec.Meta.Version, boolToInt(rec.Meta.Deleted), rec.Meta.LastSyncedAt,
		rec.Meta.MutationID, rec.Meta.ClientID, clockJSON)
	return mapWriteErr(err, collection)
}

// PutRecordWithMutation writes the record and appends a pending mutation in
// a single transaction so the (record, mutation) tuple is atomic.
func (s *LocalStore) PutRecordWithMutation(ctx context.Context, collection string, rec *Record, m *PendingMutation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.checkCapacity(ctx); err != nil {
		return err
	}

	recPayload, err := s.sealPayload(rec.Payload)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "payload encrypt failed", collection, err)
	}
	mutPayload, err := s.sealPayload(m.Payload)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "payload encrypt failed", collection, err)
	}
	recClock, err := marshalClock(rec.Meta.VectorClock)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "clock encode failed", collection, err)
	}
	mutClock, err := marshalClock(m.VectorClock)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "clock encode failed", collection, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapWriteErr(err, collection)
	}
	defer tx.Rollback()

	_, err = tx.StmtContext(ctx, s.putRecordStmt).ExecContext(ctx, collection,
		rec.ID, rec.TenantID, rec.Type, recPayload, rec.Meta.CreatedAt,
		rec.Meta.UpdatedAt, rec.Meta.Version, boolToInt(rec.Meta.Deleted),
		rec.Meta.LastSyncedAt, rec.Meta.MutationID, rec.Meta.ClientID, recClock)
	if err != nil {
		return mapWriteErr(err, collection)
	}

	_, err = tx.StmtContext(ctx, s.appendMutStmt).ExecContext(ctx,
		m.MutationID, m.TenantID, string(m.Kind), m.Collection, m.RecordID,
		mutPayload, m.Version, m.Timestamp, m.RetryCount, m.LastError,
		"pending", mutClock)
	if err != nil {
		return mapWriteErr(err, collection)
	}

	return mapWriteErr(tx.Commit(), collection)
}

// RemoveRecord physically deletes a record row. Used for tombstone garbage
// collection after propagation is confirmed, never for user-facing deletes.
func (s *LocalStore) RemoveRecord(ctx context.Context, collection, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	return mapWriteErr(err, collection)
}

// ClearCollection destroys all records and pending mutations for the
// collection in one tenant. Never cross-tenant.
func (s *LocalStore) ClearCollection(ctx context.Context, collection, tenantID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapWriteErr(err, collection)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND tenant_id = ?`, collection, tenantID); err != nil {
		return mapWriteErr(err, collection)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations WHERE collection = ? AND tenant_id = ?`, collection, tenantID); err != nil {
		return mapWriteErr(err, collection)
	}
	return mapWriteErr(tx.Commit(), collection)
}

// BatchOp is one operation inside a Batch call.
type BatchOp struct {
	Kind   MutationKind
	Record *Record
}

// Batch applies a set of put/delete operations to a single collection
// all-or-nothing.
func (s *LocalStore) Batch(ctx context.Context, collection string, ops []BatchOp) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.checkCapacity(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapWriteErr(err, collection)
	}
	defer tx.Rollback()

	putStmt := tx.StmtContext(ctx, s.putRecordStmt)
	for _, op := range ops {
		switch op.Kind {
		case MutationCreate, MutationUpdate:
			payload, err := s.sealPayload(op.Record.Payload)
			if err != nil {
				return newStoreError(StoreErrorTypeWrite, "payload encrypt failed", collection, err)
			}
			clockJSON, err := marshalClock(op.Record.Meta.VectorClock)
			if err != nil {
				return newStoreError(StoreErrorTypeWrite, "clock encode failed", collection, err)
			}
			_, err = putStmt.ExecContext(ctx, collection, op.Record.ID,
				op.Record.TenantID, op.Record.Type, payload,
				op.Record.Meta.CreatedAt, op.Record.Meta.UpdatedAt,
				op.Record.Meta.Version, boolToInt(op.Record.Meta.Deleted),
				op.Record.Meta.LastSyncedAt, op.Record.Meta.MutationID,
				op.Record.Meta.ClientID, clockJSON)
			if err != nil {
				return mapWriteErr(err, collection)
			}
		case MutationDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, op.Record.ID); err != nil {
				return mapWriteErr(err, collection)
			}
		default:
			return fmt.Errorf("unknown batch op kind: %s", op.Kind)
		}
	}
	return mapWriteErr(tx.Commit(), collection)
}

// ReplaceRecords atomically replaces every record of one collection for a
// tenant with the given set, updating the cursor in the same transaction.
// Used by the snapshot fallback.
func (s *LocalStore) ReplaceRecords(ctx context.Context, collection, tenantID string, records []*Record, cursor *SyncCursor) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.checkCapacity(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapWriteErr(err, collection)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND tenant_id = ?`, collection, tenantID); err != nil {
		return mapWriteErr(err, collection)
	}

	putStmt := tx.StmtContext(ctx, s.putRecordStmt)
	for _, rec := range records {
		payload, err := s.sealPayload(rec.Payload)
		if err != nil {
			return newStoreError(StoreErrorTypeWrite, "payload encrypt failed", collection, err)
		}
		clockJSON, err := marshalClock(rec.Meta.VectorClock)
		if err != nil {
			return newStoreError(StoreErrorTypeWrite, "clock encode failed", collection, err)
		}
		_, err = putStmt.ExecContext(ctx, collection, rec.ID, rec.TenantID,
			rec.Type, payload, rec.Meta.CreatedAt, rec.Meta.UpdatedAt,
			rec.Meta.Version, boolToInt(rec.Meta.Deleted),
			rec.Meta.LastSyncedAt, rec.Meta.MutationID, rec.Meta.ClientID,
			clockJSON)
		if err != nil {
			return mapWriteErr(err, collection)
		}
	}

	if cursor != nil {
		_, err = tx.StmtContext(ctx, s.putCursorStmt).ExecContext(ctx,
			cursor.TenantID, cursor.Collection, cursor.LastPulledAt,
			cursor.LastPushedMutation, string(cursor.LastStatus), cursor.LastError)
		if err != nil {
			return mapWriteErr(err, collection)
		}
	}
	return mapWriteErr(tx.Commit(), collection)
}

// AppendMutation durably appends a pending mutation outside a record write.
func (s *LocalStore) AppendMutation(ctx context.Context, m *PendingMutation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.checkCapacity(ctx); err != nil {
		return err
	}

	payload, err := s.sealPayload(m.Payload)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "payload encrypt failed", m.Collection, err)
	}
	clockJSON, err := marshalClock(m.VectorClock)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "clock encode failed", m.Collection, err)
	}

	_, err = s.appendMutStmt.ExecContext(ctx, m.MutationID, m.TenantID,
		string(m.Kind), m.Collection, m.RecordID, payload, m.Version,
		m.Timestamp, m.RetryCount, m.LastError, "pending", clockJSON)
	return mapWriteErr(err, m.Collection)
}

const mutationColumns = `seq, mutation_id, tenant_id, kind, collection, record_id,
	payload, version, ts, retry_count, last_error, clock`

func (s *LocalStore) scanMutations(rows *sql.Rows) ([]*PendingMutation, error) {
	var muts []*PendingMutation
	for rows.Next() {
		var m PendingMutation
		var kind string
		var clockJSON []byte
		var payload []byte
		err := rows.Scan(&m.Seq, &m.MutationID, &m.TenantID, &kind,
			&m.Collection, &m.RecordID, &payload, &m.Version, &m.Timestamp,
			&m.RetryCount, &m.LastError, &clockJSON)
		if err != nil {
			return nil, err
		}
		m.Payload = payload
		m.Kind = MutationKind(kind)
		m.VectorClock = unmarshalClock(clockJSON)
		m.Payload, err = s.openPayload(m.Payload)
		if err != nil {
			return nil, err
		}
		muts = append(muts, &m)
	}
	return muts, rows.Err()
}

// PendingMutations returns up to limit pending mutations for a tenant in
// append order. Zero limit returns all.
func (s *LocalStore) PendingMutations(ctx context.Context, tenantID string, limit int) ([]*PendingMutation, error) {
	return s.mutationsByStatus(ctx, tenantID, "pending", limit)
}

// QuarantinedMutations returns the terminal-failed sub-queue for a tenant.
func (s *LocalStore) QuarantinedMutations(ctx context.Context, tenantID string) ([]*PendingMutation, error) {
	return s.mutationsByStatus(ctx, tenantID, "quarantined", 0)
}

func (s *LocalStore) mutationsByStatus(ctx context.Context, tenantID, status string, limit int) ([]*PendingMutation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT ` + mutationColumns + ` FROM pending_mutations
		WHERE tenant_id = ? AND status = ? ORDER BY seq`
	args := []any{tenantID, status}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "mutation list failed", "", err)
	}
	defer rows.Close()
	return s.scanMutations(rows)
}

// MutationSeq returns the append order of a mutation.
func (s *LocalStore) MutationSeq(ctx context.Context, mutationID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM pending_mutations WHERE mutation_id = ?`, mutationID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return seq, err
}

// AckMutationsThrough removes the contiguous prefix of pending mutations up
// to and including the given mutation. Quarantined mutations keep their
// rows.
func (s *LocalStore) AckMutationsThrough(ctx context.Context, tenantID, mutationID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	seq, err := s.MutationSeq(ctx, mutationID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM pending_mutations
		WHERE tenant_id = ? AND status = 'pending' AND seq <= ?`, tenantID, seq)
	return mapWriteErr(err, "")
}

// UpdateMutationRetry records a retryable failure: retry count incremented,
// last error captured, queue position kept.
func (s *LocalStore) UpdateMutationRetry(ctx context.Context, mutationID, lastError string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations
		SET retry_count = retry_count + 1, last_error = ?
		WHERE mutation_id = ?`, lastError, mutationID)
	if err != nil {
		return mapWriteErr(err, "")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMutationStatus moves a mutation between the pending queue and the
// quarantine sub-queue.
func (s *LocalStore) SetMutationStatus(ctx context.Context, mutationID, status, lastError string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations SET status = ?, last_error = ?
		WHERE mutation_id = ?`, status, lastError, mutationID)
	if err != nil {
		return mapWriteErr(err, "")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMutations removes mutations by id regardless of status. Used when a
// conflict resolution subsumes local divergence.
func (s *LocalStore) DeleteMutations(ctx context.Context, tenantID string, mutationIDs []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(mutationIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(mutationIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(mutationIDs)+1)
	args = append(args, tenantID)
	for _, id := range mutationIDs {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_mutations WHERE tenant_id = ? AND mutation_id IN (`+placeholders+`)`, args...)
	return mapWriteErr(err, "")
}

// MutationsOlderThan returns pending mutations appended before the cutoff.
// Used to report stuck mutations past the TTL.
func (s *LocalStore) MutationsOlderThan(ctx context.Context, tenantID string, cutoff int64) ([]*PendingMutation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mutationColumns+` FROM pending_mutations
		WHERE tenant_id = ? AND status = 'pending' AND ts < ? ORDER BY seq`,
		tenantID, cutoff)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "mutation list failed", "", err)
	}
	defer rows.Close()
	return s.scanMutations(rows)
}

// GetCursor returns the sync cursor for a (tenant, collection) pair,
// creating an idle cursor lazily on first use.
func (s *LocalStore) GetCursor(ctx context.Context, tenantID, collection string) (*SyncCursor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	cursor := &SyncCursor{TenantID: tenantID, Collection: collection, LastStatus: SyncIdle}
	var status string
	err := s.getCursorStmt.QueryRowContext(ctx, tenantID, collection).Scan(
		&cursor.LastPulledAt, &cursor.LastPushedMutation, &status, &cursor.LastError)
	if err == sql.ErrNoRows {
		return cursor, nil
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "cursor read failed", collection, err)
	}
	cursor.LastStatus = SyncState(status)
	return cursor, nil
}

// PutCursor persists a sync cursor.
func (s *LocalStore) PutCursor(ctx context.Context, c *SyncCursor) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.putCursorStmt.ExecContext(ctx, c.TenantID, c.Collection,
		c.LastPulledAt, c.LastPushedMutation, string(c.LastStatus), c.LastError)
	return mapWriteErr(err, c.Collection)
}

// ListCursors returns every cursor belonging to a tenant.
func (s *LocalStore) ListCursors(ctx context.Context, tenantID string) ([]*SyncCursor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, last_pulled_at, last_pushed_mutation, last_status, last_error
		FROM sync_cursors WHERE tenant_id = ? ORDER BY collection`, tenantID)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "cursor list failed", "", err)
	}
	defer rows.Close()

	var cursors []*SyncCursor
	for rows.Next() {
		c := &SyncCursor{TenantID: tenantID}
		var status string
		if err := rows.Scan(&c.Collection, &c.LastPulledAt, &c.LastPushedMutation, &status, &c.LastError); err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "cursor scan failed", "", err)
		}
		c.LastStatus = SyncState(status)
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

// SaveSnapshot persists a verified snapshot.
func (s *LocalStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	payload, err := s.sealPayload(snap.Payload)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "payload encrypt failed", snap.EntityType, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots
			(snapshot_id, tenant_id, entity_type, version, payload, created_at, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.TenantID, snap.EntityType, snap.Version,
		payload, snap.CreatedAt, snap.Checksum)
	return mapWriteErr(err, snap.EntityType)
}

// GetSnapshot loads a stored snapshot by id.
func (s *LocalStore) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var snap Snapshot
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, tenant_id, entity_type, version, payload, created_at, checksum
		FROM snapshots WHERE snapshot_id = ?`, snapshotID).Scan(
		&snap.SnapshotID, &snap.TenantID, &snap.EntityType, &snap.Version,
		&payload, &snap.CreatedAt, &snap.Checksum)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "snapshot read failed", "", err)
	}

	snap.Payload, err = s.openPayload(payload)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "payload decrypt failed", "", err)
	}
	return &snap, nil
}

// WipeTenant removes every row belonging to a tenant across all tables.
// Called on logout or tenant switch.
func (s *LocalStore) WipeTenant(ctx context.Context, tenantID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapWriteErr(err, "")
	}
	defer tx.Rollback()

	for _, table := range []string{"records", "pending_mutations", "sync_cursors", "snapshots"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE tenant_id = ?`, tenantID); err != nil {
			return mapWriteErr(err, "")
		}
	}
	return mapWriteErr(tx.Commit(), "")
}

// LocalStoreStats contains store statistics.
type LocalStoreStats struct {
	RecordCount      int64 `json:"record_count"`
	TombstoneCount   int64 `json:"tombstone_count"`
	PendingMutations int64 `json:"pending_mutations"`
	Quarantined      int64 `json:"quarantined"`
	SnapshotCount    int64 `json:"snapshot_count"`
	DatabaseSize     int64 `json:"database_size"`
}

// Stats returns store statistics.
func (s *LocalStore) Stats(ctx context.Context) (*LocalStoreStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &LocalStoreStats{}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(deleted), 0) FROM records`)
	if err := row.Scan(&stats.RecordCount, &stats.TombstoneCount); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations WHERE status = 'pending'`)
	if err := row.Scan(&stats.PendingMutations); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations WHERE status = 'quarantined'`)
	if err := row.Scan(&stats.Quarantined); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`)
	if err := row.Scan(&stats.SnapshotCount); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx, `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`)
	if err := row.Scan(&stats.DatabaseSize); err != nil {
		// Pragma arithmetic may be unavailable on older builds.
	}

	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
