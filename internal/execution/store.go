package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ggonzalez94/vault-cli/internal/logger"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed history of confirmed operations.
type Store struct {
	db    *sql.DB
	lock  *flock.Flock
	limit int
	log   logger.Logger
}

var _ HistorySink = (*Store)(nil)

func OpenStore(path, lockPath string, limit int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			tx_hash TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_operations_recorded ON operations(recorded_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init history schema: %w", err)
		}
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Store{db: db, lock: flock.New(lockPath), limit: limit, log: &logger.EmptyLogger{}}, nil
}

// WithLogger sets where Record reports write failures.
func (s *Store) WithLogger(l logger.Logger) *Store {
	if l != nil {
		s.log = l
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record implements HistorySink. Failures are logged, never surfaced to the engine.
func (s *Store) Record(rec ConfirmedOperationRecord) {
	if err := s.Save(rec); err != nil {
		s.log.ErrorWithChain(rec.ChainID, "Failed to persist %s record %s: %v", rec.Kind, rec.TxHash, err)
	}
}

// Save inserts rec and trims the table to the configured limit.
func (s *Store) Save(rec ConfirmedOperationRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("save operation: missing record id")
	}
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	recordedAt := rec.Timestamp.UTC().UnixMilli()
	if rec.Timestamp.IsZero() {
		recordedAt = time.Now().UTC().UnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.Exec(`
		INSERT INTO operations (id, plan_id, chain_id, kind, tx_hash, recorded_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tx_hash=excluded.tx_hash,
			recorded_at=excluded.recorded_at,
			payload=excluded.payload
	`, rec.ID, rec.PlanID, rec.ChainID, string(rec.Kind), rec.TxHash, recordedAt, payload)
	if err != nil {
		return fmt.Errorf("save operation: %w", err)
	}
	_, err = tx.Exec(`
		DELETE FROM operations WHERE id NOT IN (
			SELECT id FROM operations ORDER BY recorded_at DESC, rowid DESC LIMIT ?
		)
	`, s.limit)
	if err != nil {
		return fmt.Errorf("trim operations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history write: %w", err)
	}
	return nil
}

// Clear deletes recorded operations and reports how many were removed. chainID 0
// clears every chain.
func (s *Store) Clear(chainID int64) (int64, error) {
	unlock, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer unlock()

	var res sql.Result
	if chainID == 0 {
		res, err = s.db.Exec("DELETE FROM operations")
	} else {
		res, err = s.db.Exec("DELETE FROM operations WHERE chain_id = ?", chainID)
	}
	if err != nil {
		return 0, fmt.Errorf("clear operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count cleared operations: %w", err)
	}
	return n, nil
}

// acquire takes the cross-process write lock shared by every vault invocation.
func (s *Store) acquire() (func(), error) {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("lock history store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock history store: timeout acquiring lock")
	}
	return func() { _ = s.lock.Unlock() }, nil
}

func (s *Store) Get(id string) (ConfirmedOperationRecord, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM operations WHERE id = ?", id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConfirmedOperationRecord{}, fmt.Errorf("operation not found: %s", id)
		}
		return ConfirmedOperationRecord{}, fmt.Errorf("read operation: %w", err)
	}
	var rec ConfirmedOperationRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return ConfirmedOperationRecord{}, fmt.Errorf("decode operation payload: %w", err)
	}
	return rec, nil
}

// List returns records newest first. chainID 0 lists every chain.
func (s *Store) List(chainID int64, limit int) ([]ConfirmedOperationRecord, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	var (
		rows *sql.Rows
		err  error
	)
	if chainID == 0 {
		rows, err = s.db.Query("SELECT payload FROM operations ORDER BY recorded_at DESC, rowid DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.Query("SELECT payload FROM operations WHERE chain_id = ? ORDER BY recorded_at DESC, rowid DESC LIMIT ?", chainID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	records := make([]ConfirmedOperationRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		var rec ConfirmedOperationRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode operation row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation rows: %w", err)
	}
	return records, nil
}
