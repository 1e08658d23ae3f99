package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sonmap/geoimport/internal/model"
	"github.com/sonmap/geoimport/internal/notice"
)

// SQLiteStore implements SessionStore using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures
// WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS import_sessions (
	id         TEXT PRIMARY KEY,
	layer_id   TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT 'created',
	processed  INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	total      INTEGER NOT NULL DEFAULT 0,
	checkpoint INTEGER NOT NULL DEFAULT -1,
	error      TEXT,
	notices    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_import_sessions_state ON import_sessions(state);
CREATE INDEX IF NOT EXISTS idx_import_sessions_layer ON import_sessions(layer_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, layerID string, total int) (*model.ImportSession, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_sessions (id, layer_id, state, total, checkpoint, created_at, updated_at)
		 VALUES (?, ?, ?, ?, -1, ?, ?)`,
		id, layerID, string(model.SessionCreated), total, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}

	return &model.ImportSession{
		ID:         id,
		LayerID:    layerID,
		State:      model.SessionCreated,
		Total:      total,
		Checkpoint: -1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// UpdateState moves a session to a new state, rejecting transitions
// the state machine forbids.
func (s *SQLiteStore) UpdateState(ctx context.Context, sessionID string, state model.SessionState, cause string) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM import_sessions WHERE id = ?`, sessionID,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return eris.Errorf("sqlite: session %s not found", sessionID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read session state %s", sessionID)
	}
	if !model.SessionState(current).CanTransition(state) {
		return eris.Errorf("sqlite: session %s cannot move from %s to %s", sessionID, current, state)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE import_sessions SET state = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(state), nullable(cause), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session state %s", sessionID)
	}
	return checkRowsAffected(res, sessionID)
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, sessionID string, processed, failed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_sessions SET processed = ?, failed = ?, updated_at = ? WHERE id = ?`,
		processed, failed, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session progress %s", sessionID)
	}
	return checkRowsAffected(res, sessionID)
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, sessionID string, batchIndex int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_sessions SET checkpoint = ?, updated_at = ? WHERE id = ?`,
		batchIndex, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save checkpoint %s", sessionID)
	}
	return checkRowsAffected(res, sessionID)
}

func (s *SQLiteStore) SaveNoticeSummary(ctx context.Context, sessionID string, summary notice.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal notice summary")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_sessions SET notices = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save notice summary %s", sessionID)
	}
	return checkRowsAffected(res, sessionID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.ImportSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, layer_id, state, processed, failed, total, checkpoint, error, created_at, updated_at
		 FROM import_sessions WHERE id = ?`,
		sessionID,
	)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.ImportSession, error) {
	query := `SELECT id, layer_id, state, processed, failed, total, checkpoint, error, created_at, updated_at
	          FROM import_sessions WHERE 1=1`
	var args []any

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.LayerID != "" {
		query += ` AND layer_id = ?`
		args = append(args, filter.LayerID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []model.ImportSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

// helpers

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("session not found: %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.ImportSession, error) {
	var sess model.ImportSession
	var errMsg sql.NullString

	err := row.Scan(&sess.ID, &sess.LayerID, &sess.State, &sess.Processed, &sess.Failed,
		&sess.Total, &sess.Checkpoint, &errMsg, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("session not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}
	if errMsg.Valid {
		sess.Error = errMsg.String
	}
	return &sess, nil
}
