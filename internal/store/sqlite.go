package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/amishk599/autobid/internal/model"
)

var (
	_ model.KVStore   = (*SQLiteStore)(nil)
	_ model.BidLedger = (*SQLiteStore)(nil)
	_ model.Locker    = (*SQLiteStore)(nil)
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS bid_texts (
	job_id          TEXT PRIMARY KEY,
	text            TEXT NOT NULL,
	estimated_price REAL NOT NULL,
	duration_days   INTEGER NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS bid_attempts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id       TEXT NOT NULL,
	status       TEXT NOT NULL,
	amount       REAL NOT NULL,
	currency     TEXT NOT NULL,
	error        TEXT,
	attempted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS bid_attempts_job ON bid_attempts (job_id, id);
CREATE TABLE IF NOT EXISTS locks (
	job_id      TEXT NOT NULL,
	action      TEXT NOT NULL,
	owner       TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	PRIMARY KEY (job_id, action)
);`

// SQLiteStore is the single-host durable store: shared KV, bid ledger and
// lease locks in one SQLite file that every autobid process on the host opens.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures the
// schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite allows one writer; a single connection serialises this process's
	// writes and busy_timeout covers the other processes.
	db.SetMaxOpenConns(1)

	// Verify the connection is alive.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading key %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("writing key %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, old, next []byte) (bool, error) {
	now := s.now().UnixMilli()

	var (
		res sql.Result
		err error
	)
	switch {
	case old == nil && next == nil:
		_, ok, err := s.Get(ctx, key)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case old == nil:
		res, err = s.db.ExecContext(ctx,
			"INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING",
			key, next, now)
	case next == nil:
		res, err = s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ? AND value = ?", key, old)
	default:
		res, err = s.db.ExecContext(ctx,
			"UPDATE kv SET value = ?, updated_at = ? WHERE key = ? AND value = ?",
			next, now, key, old)
	}
	if err != nil {
		return false, fmt.Errorf("compare-and-swap %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("compare-and-swap %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting key %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM kv WHERE substr(key, 1, ?) = ?", len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("listing prefix %s: %w", prefix, err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BidText(ctx context.Context, jobID string) (model.BidDraft, bool, error) {
	var (
		d         model.BidDraft
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT text, estimated_price, duration_days, created_at FROM bid_texts WHERE job_id = ?", jobID,
	).Scan(&d.Text, &d.EstimatedPrice, &d.DurationDays, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BidDraft{}, false, nil
	}
	if err != nil {
		return model.BidDraft{}, false, fmt.Errorf("reading bid text for %s: %w", jobID, err)
	}
	d.CreatedAt = time.UnixMilli(createdMs)
	return d, true, nil
}

func (s *SQLiteStore) SaveBidText(ctx context.Context, jobID string, draft model.BidDraft) error {
	created := draft.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bid_texts (job_id, text, estimated_price, duration_days, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET text = excluded.text, estimated_price = excluded.estimated_price,
		 duration_days = excluded.duration_days, created_at = excluded.created_at`,
		jobID, draft.Text, draft.EstimatedPrice, draft.DurationDays, created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving bid text for %s: %w", jobID, err)
	}
	return nil
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, a model.BidAttempt) error {
	at := a.AttemptedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO bid_attempts (job_id, status, amount, currency, error, attempted_at) VALUES (?, ?, ?, ?, ?, ?)",
		a.JobID, string(a.Status), a.Amount, a.Currency, a.Error, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording attempt for %s: %w", a.JobID, err)
	}
	return nil
}

func (s *SQLiteStore) LastAttempt(ctx context.Context, jobID string) (model.BidAttempt, bool, error) {
	var (
		a         model.BidAttempt
		status    string
		errText   sql.NullString
		attemptMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, status, amount, currency, error, attempted_at FROM bid_attempts
		 WHERE job_id = ? ORDER BY id DESC LIMIT 1`, jobID,
	).Scan(&a.JobID, &status, &a.Amount, &a.Currency, &errText, &attemptMs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BidAttempt{}, false, nil
	}
	if err != nil {
		return model.BidAttempt{}, false, fmt.Errorf("reading last attempt for %s: %w", jobID, err)
	}
	a.Status = model.AttemptStatus(status)
	a.Error = errText.String
	a.AttemptedAt = time.UnixMilli(attemptMs)
	return a, true, nil
}

func (s *SQLiteStore) TryAcquire(ctx context.Context, jobID string, action model.Action, owner string, ttl time.Duration) (bool, bool, error) {
	now := s.now()

	var expiresMs int64
	err := s.db.QueryRowContext(ctx,
		"SELECT expires_at FROM locks WHERE job_id = ? AND action = ?", jobID, string(action),
	).Scan(&expiresMs)
	existed := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, false, fmt.Errorf("reading lock %s/%s: %w", jobID, action, err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (job_id, action, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, action) DO UPDATE SET owner = excluded.owner,
		 acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		 WHERE locks.expires_at <= excluded.acquired_at`,
		jobID, string(action), owner, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return false, false, fmt.Errorf("acquiring lock %s/%s: %w", jobID, action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("acquiring lock %s/%s: %w", jobID, action, err)
	}
	acquired := n == 1
	return acquired, acquired && existed, nil
}

func (s *SQLiteStore) Release(ctx context.Context, jobID string, action model.Action, owner string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM locks WHERE job_id = ? AND action = ? AND owner = ?", jobID, string(action), owner)
	if err != nil {
		return fmt.Errorf("releasing lock %s/%s: %w", jobID, action, err)
	}
	return nil
}
