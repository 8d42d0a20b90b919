package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrProviderNotFound = errors.New("provider configuration not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (session_id, seq),
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

CREATE TABLE IF NOT EXISTS providers (
    name TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    api_key TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL,
    endpoint TEXT NOT NULL DEFAULT '',
    max_tokens INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

const sessionLockStripes = 64

// Store persists sessions, messages and provider configurations on SQLite.
type Store struct {
	db *sql.DB

	// Striped per-session locks so concurrent appends to the same session
	// allocate seq numbers one at a time.
	locks [sessionLockStripes]sync.Mutex
}

func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", withImmediateTxLock(dsn))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// In-memory SQLite gives each connection its own database; keep a single
	// connection so schema and data stay visible across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// withImmediateTxLock makes transactions take the write lock up front.
// Appends begin with a SELECT and then insert; a deferred transaction would
// upgrade its lock mid-way, which can fail with SQLITE_BUSY immediately
// instead of waiting out the busy timeout.
func withImmediateTxLock(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_txlock=immediate"
	}
	return dsn + "?_txlock=immediate"
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &s.locks[h.Sum32()%sessionLockStripes]
}

func (s *Store) CreateSession(ctx context.Context, userID string) (models.Session, error) {
	sess := models.Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Status: models.SessionActive,
	}

	query := `
        INSERT INTO sessions (id, user_id, status)
        VALUES (?, ?, ?)
        RETURNING created_at`

	if err := s.db.QueryRowContext(ctx, query, sess.ID, sess.UserID, sess.Status).Scan(&sess.CreatedAt); err != nil {
		return models.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	query := `
        SELECT id, user_id, status, created_at
        FROM sessions
        WHERE id = ?`

	var sess models.Session
	err := s.db.QueryRowContext(ctx, query, sessionID).
		Scan(&sess.ID, &sess.UserID, &sess.Status, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	query := `
        SELECT id, user_id, status, created_at
        FROM sessions
        WHERE user_id = ?
        ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Status, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// AppendMessage stores one turn at the end of the session history. The seq
// number is allocated inside a transaction, under the session's lock stripe,
// so completed appends are atomic and order-preserving.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content, errAnnotation string) (models.Message, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("check session: %w", err)
	}

	msg := models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Error:     errAnnotation,
	}

	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?", sessionID).
		Scan(&msg.Seq)
	if err != nil {
		return models.Message{}, fmt.Errorf("allocate seq: %w", err)
	}

	query := `
        INSERT INTO messages (id, session_id, seq, role, content, error)
        VALUES (?, ?, ?, ?, ?, ?)
        RETURNING created_at`

	err = tx.QueryRowContext(ctx, query, msg.ID, msg.SessionID, msg.Seq, msg.Role, msg.Content, msg.Error).
		Scan(&msg.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

func (s *Store) GetHistory(ctx context.Context, sessionID string) ([]models.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `
        SELECT id, session_id, seq, role, content, error, created_at
        FROM messages
        WHERE session_id = ?
        ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &msg.Content, &msg.Error, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ArchiveIdleSessions marks active sessions with no activity since the cutoff
// as archived and reports how many were affected. Activity is the latest
// message time, or the session creation time for empty sessions.
func (s *Store) ArchiveIdleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
        UPDATE sessions SET status = ?
        WHERE status = ?
          AND COALESCE(
              (SELECT MAX(m.created_at) FROM messages m WHERE m.session_id = sessions.id),
              created_at) < ?`

	// CURRENT_TIMESTAMP stores "YYYY-MM-DD HH:MM:SS"; compare in the same shape.
	res, err := s.db.ExecContext(ctx, query, models.SessionArchived, models.SessionActive,
		cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("archive sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) UpsertProvider(ctx context.Context, cfg models.ProviderConfig) error {
	query := `
        INSERT INTO providers (name, kind, api_key, model, endpoint, max_tokens, enabled)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (name) DO UPDATE SET
            kind = excluded.kind,
            api_key = excluded.api_key,
            model = excluded.model,
            endpoint = excluded.endpoint,
            max_tokens = excluded.max_tokens,
            enabled = excluded.enabled,
            updated_at = CURRENT_TIMESTAMP`

	_, err := s.db.ExecContext(ctx, query,
		cfg.Name, cfg.Kind, cfg.APIKey, cfg.Model, cfg.Endpoint, cfg.MaxTokens, cfg.Enabled)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

func (s *Store) DeleteProvider(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM providers WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if affected == 0 {
		return ErrProviderNotFound
	}
	return nil
}

func (s *Store) GetProvider(ctx context.Context, name string) (models.ProviderConfig, error) {
	query := providerSelect + " WHERE name = ?"

	var cfg models.ProviderConfig
	err := s.db.QueryRowContext(ctx, query, name).Scan(providerFields(&cfg)...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProviderConfig{}, ErrProviderNotFound
	}
	if err != nil {
		return models.ProviderConfig{}, fmt.Errorf("get provider: %w", err)
	}
	return cfg, nil
}

func (s *Store) ListProviders(ctx context.Context) ([]models.ProviderConfig, error) {
	return s.queryProviders(ctx, providerSelect+" ORDER BY name ASC")
}

func (s *Store) EnabledProviders(ctx context.Context) ([]models.ProviderConfig, error) {
	return s.queryProviders(ctx, providerSelect+" WHERE enabled = 1 ORDER BY name ASC")
}

const providerSelect = `
        SELECT name, kind, api_key, model, endpoint, max_tokens, enabled, created_at, updated_at
        FROM providers`

func providerFields(cfg *models.ProviderConfig) []any {
	return []any{
		&cfg.Name, &cfg.Kind, &cfg.APIKey, &cfg.Model, &cfg.Endpoint,
		&cfg.MaxTokens, &cfg.Enabled, &cfg.CreatedAt, &cfg.UpdatedAt,
	}
}

func (s *Store) queryProviders(ctx context.Context, query string) ([]models.ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	configs := make([]models.ProviderConfig, 0)
	for rows.Next() {
		var cfg models.ProviderConfig
		if err := rows.Scan(providerFields(&cfg)...); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}
