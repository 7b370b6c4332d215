package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/medlink/backend/internal/model/chat"
	"github.com/zhouzirui/medlink/backend/internal/pkg/keylock"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL,
	assigned_staff_id TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	last_activity_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_sessions_state ON chat_sessions(state);
CREATE TABLE IF NOT EXISTS chat_messages (
	session_id TEXT NOT NULL REFERENCES chat_sessions(id),
	seq        INTEGER NOT NULL,
	id         TEXT NOT NULL,
	sender     TEXT NOT NULL,
	text       TEXT NOT NULL,
	staff_name TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLiteStore persists sessions in a sqlite database file.
type SQLiteStore struct {
	db   *sql.DB
	keys *keylock.Locker
	now  func() time.Time
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// 单连接: 写事务在进程内串行, 读也走同一连接
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{
		db:   db,
		keys: keylock.New(),
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("component", "store").Str("path", path).Msg("sqlite session store ready")
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return errors.Wrap(err, "init schema")
	}
	return nil
}

// CreateSession implements Store.
func (s *SQLiteStore) CreateSession(ctx context.Context, id, userID string) (chat.Session, bool, error) {
	if id == "" {
		return chat.Session{}, false, errors.Wrap(chat.ErrInvalidInput, "session id is required")
	}
	unlock := s.keys.Lock(id)
	defer unlock()

	var (
		session chat.Session
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadSession(ctx, tx, id)
		if err == nil {
			if existing.UserID != userID {
				return errors.Wrapf(chat.ErrConflict, "session %s is bound to another user", id)
			}
			session = existing
			return nil
		}
		if !errors.Is(err, chat.ErrNotFound) {
			return err
		}

		now := s.now()
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chat_sessions(id, user_id, state, assigned_staff_id, created_at, last_activity_at) VALUES(?,?,?,?,?,?)",
			id, userID, string(chat.StateBot), "", now.UnixNano(), now.UnixNano(),
		); err != nil {
			return errors.Wrap(err, "insert session")
		}
		session = chat.Session{
			ID:             id,
			UserID:         userID,
			Messages:       []chat.Message{},
			State:          chat.StateBot,
			CreatedAt:      now,
			LastActivityAt: now,
		}
		created = true
		return nil
	})
	if err != nil {
		return chat.Session{}, false, err
	}
	return session, created, nil
}

// GetSession implements Store. Session row and messages are read in one
// transaction so a concurrent append can't tear the snapshot.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (chat.Session, error) {
	var session chat.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		loaded, err := loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		session = loaded
		return nil
	})
	if err != nil {
		return chat.Session{}, err
	}
	return session, nil
}

// AppendMessage implements Store.
func (s *SQLiteStore) AppendMessage(ctx context.Context, id string, msg chat.Message) (chat.Session, error) {
	unlock := s.keys.Lock(id)
	defer unlock()

	var session chat.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		prepared, err := chat.PrepareAppend(current, msg, s.now())
		if err != nil {
			return err
		}
		prepared.ID = uuid.NewString()

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chat_messages(session_id, seq, id, sender, text, staff_name, created_at) VALUES(?,?,?,?,?,?,?)",
			id, prepared.Seq, prepared.ID, string(prepared.Sender), prepared.Text, prepared.StaffName, prepared.Timestamp.UnixNano(),
		); err != nil {
			return errors.Wrap(err, "insert message")
		}

		if prepared.Timestamp.After(current.LastActivityAt) {
			current.LastActivityAt = prepared.Timestamp
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE chat_sessions SET last_activity_at=? WHERE id=?",
			current.LastActivityAt.UnixNano(), id,
		); err != nil {
			return errors.Wrap(err, "touch session")
		}

		current.Messages = append(current.Messages, prepared)
		session = current
		return nil
	})
	if err != nil {
		return chat.Session{}, err
	}
	return session, nil
}

// SetEscalationState implements Store.
func (s *SQLiteStore) SetEscalationState(ctx context.Context, id string, to chat.State, staffID string) (chat.Session, error) {
	unlock := s.keys.Lock(id)
	defer unlock()

	var session chat.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := loadSession(ctx, tx, id)
		if err != nil {
			return err
		}
		updated, err := chat.ApplyTransition(current, to, staffID, s.now())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE chat_sessions SET state=?, assigned_staff_id=?, last_activity_at=? WHERE id=?",
			string(updated.State), updated.AssignedStaffID, updated.LastActivityAt.UnixNano(), id,
		); err != nil {
			return errors.Wrap(err, "update state")
		}
		session = updated
		return nil
	})
	if err != nil {
		return chat.Session{}, err
	}
	return session, nil
}

// ListByState implements Store.
func (s *SQLiteStore) ListByState(ctx context.Context, states ...chat.State) ([]chat.Session, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, state, assigned_staff_id, created_at, last_activity_at FROM chat_sessions WHERE state IN ("+placeholders+") ORDER BY created_at, id",
		args...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var out []chat.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, errors.Wrap(rows.Err(), "list sessions")
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (chat.Session, error) {
	var (
		session            chat.Session
		state              string
		createdAt, touched int64
	)
	if err := row.Scan(&session.ID, &session.UserID, &state, &session.AssignedStaffID, &createdAt, &touched); err != nil {
		return chat.Session{}, err
	}
	session.State = chat.State(state)
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.LastActivityAt = time.Unix(0, touched).UTC()
	return session, nil
}

func loadSession(ctx context.Context, q querier, id string) (chat.Session, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, user_id, state, assigned_staff_id, created_at, last_activity_at FROM chat_sessions WHERE id=?", id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, errors.Wrapf(chat.ErrNotFound, "session %s", id)
	}
	if err != nil {
		return chat.Session{}, errors.Wrap(err, "load session")
	}
	session.Messages = []chat.Message{}

	rows, err := q.QueryContext(ctx,
		"SELECT id, seq, sender, text, staff_name, created_at FROM chat_messages WHERE session_id=? ORDER BY seq", id)
	if err != nil {
		return chat.Session{}, errors.Wrap(err, "load messages")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg    chat.Message
			sender string
			ts     int64
		)
		if err := rows.Scan(&msg.ID, &msg.Seq, &sender, &msg.Text, &msg.StaffName, &ts); err != nil {
			return chat.Session{}, errors.Wrap(err, "scan message")
		}
		msg.Sender = chat.Sender(sender)
		msg.Timestamp = time.Unix(0, ts).UTC()
		session.Messages = append(session.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return chat.Session{}, errors.Wrap(err, "load messages")
	}
	return session, nil
}
