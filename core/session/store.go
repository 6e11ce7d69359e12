package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = errors.New("session not found")

const storeSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	settings   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE TABLE IF NOT EXISTS executions (
	session_id TEXT NOT NULL,
	turn_id    TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	step       TEXT NOT NULL,
	detail     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, turn_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_executions_turn ON executions(session_id, turn_id);
`

// Store persists sessions to a sqlite file. The messages table is an
// archive: it keeps every message ever appended, while Load only
// rehydrates the newest HistoryLimit into the ring.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// ExecutionEntry is one row of a turn's execution log.
type ExecutionEntry struct {
	TurnID    string
	Seq       int64
	Step      string
	Detail    string
	CreatedAt time.Time
}

// Summary describes a stored session without loading its history.
type Summary struct {
	ID           string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// OpenStore opens (or creates) the session database at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// Serialized access keeps the sqlite driver out of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (st *Store) Close() error {
	return st.db.Close()
}

// Save upserts the session row and archives any ring messages not yet
// stored. Archived rows are never rewritten.
func (st *Store) Save(s *Session) error {
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tx, err := st.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, created_at, updated_at, settings)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at,
		                              settings   = excluded.settings`,
		s.ID, s.CreatedAt.Unix(), s.UpdatedAt.Unix(), string(settings))
	if err != nil {
		return fmt.Errorf("save session row: %w", err)
	}

	for _, msg := range s.Messages() {
		_, err = tx.Exec(`
			INSERT OR IGNORE INTO messages (session_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			s.ID, msg.Seq, msg.Role, msg.Content, msg.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("archive message %d: %w", msg.Seq, err)
		}
	}

	return tx.Commit()
}

// Load rehydrates a session: its settings and the newest HistoryLimit
// archived messages.
func (st *Store) Load(id string) (*Session, error) {
	var createdAt, updatedAt int64
	var settingsJSON string
	err := st.db.QueryRow(
		`SELECT created_at, updated_at, settings FROM sessions WHERE id = ?`, id).
		Scan(&createdAt, &updatedAt, &settingsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session row: %w", err)
	}

	s := &Session{
		ID:        id,
		CreatedAt: time.Unix(createdAt, 0).UTC(),
		UpdatedAt: time.Unix(updatedAt, 0).UTC(),
		Settings:  DefaultSettings(),
		nextSeq:   1,
	}
	if err := json.Unmarshal([]byte(settingsJSON), &s.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	s.Settings.Normalize()

	rows, err := st.db.Query(`
		SELECT seq, role, content, created_at FROM (
			SELECT seq, role, content, created_at
			FROM messages WHERE session_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, id, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		var ts int64
		if err := rows.Scan(&msg.Seq, &msg.Role, &msg.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = time.Unix(ts, 0).UTC()
		s.ring = append(s.ring, msg)
		if msg.Seq >= s.nextSeq {
			s.nextSeq = msg.Seq + 1
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// The archive may hold evicted messages with higher seqs than the
	// ring window; keep the counter past all of them.
	var maxSeq sql.NullInt64
	if err := st.db.QueryRow(
		`SELECT MAX(seq) FROM messages WHERE session_id = ?`, id).Scan(&maxSeq); err == nil {
		if maxSeq.Valid && maxSeq.Int64 >= s.nextSeq {
			s.nextSeq = maxSeq.Int64 + 1
		}
	}

	return s, nil
}

// Latest returns the most recently updated session, or
// ErrSessionNotFound when the store is empty.
func (st *Store) Latest() (*Session, error) {
	var id string
	err := st.db.QueryRow(
		`SELECT id FROM sessions ORDER BY updated_at DESC, id LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find latest session: %w", err)
	}
	return st.Load(id)
}

// List summarizes stored sessions, newest first.
func (st *Store) List() ([]Summary, error) {
	rows, err := st.db.Query(`
		SELECT s.id, s.created_at, s.updated_at, COUNT(m.seq)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var createdAt, updatedAt int64
		if err := rows.Scan(&sum.ID, &createdAt, &updatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.CreatedAt = time.Unix(createdAt, 0).UTC()
		sum.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a session with its message archive and execution log.
func (st *Store) Delete(id string) error {
	tx, err := st.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM executions WHERE session_id = ?`,
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	return tx.Commit()
}

// LogExecution appends one row to a turn's execution log.
func (st *Store) LogExecution(sessionID, turnID, step, detail string) error {
	var next sql.NullInt64
	err := st.db.QueryRow(
		`SELECT MAX(seq) FROM executions WHERE session_id = ? AND turn_id = ?`,
		sessionID, turnID).Scan(&next)
	if err != nil {
		return fmt.Errorf("next execution seq: %w", err)
	}
	seq := int64(1)
	if next.Valid {
		seq = next.Int64 + 1
	}

	_, err = st.db.Exec(`
		INSERT INTO executions (session_id, turn_id, seq, step, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, turnID, seq, step, detail, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("log execution: %w", err)
	}
	return nil
}

// Executions returns a turn's execution log in order.
func (st *Store) Executions(sessionID, turnID string) ([]ExecutionEntry, error) {
	rows, err := st.db.Query(`
		SELECT turn_id, seq, step, detail, created_at
		FROM executions WHERE session_id = ? AND turn_id = ?
		ORDER BY seq ASC`, sessionID, turnID)
	if err != nil {
		return nil, fmt.Errorf("load executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionEntry
	for rows.Next() {
		var e ExecutionEntry
		var ts int64
		if err := rows.Scan(&e.TurnID, &e.Seq, &e.Step, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.CreatedAt = time.Unix(ts, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
