package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ThreadKey identifies a forum topic. Telegram thread ids are only unique
// within a chat.
type ThreadKey struct {
	ChatID   int64
	ThreadID int
}

type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Conversation struct {
	Key       ThreadKey
	History   []HistoryMessage
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps the pragmas in force and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL,
			history TEXT NOT NULL DEFAULT '[]',
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (chat_id, thread_id)
		);

		CREATE TABLE IF NOT EXISTS deletion_marks (
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			PRIMARY KEY (chat_id, thread_id, message_id)
		);

		CREATE TABLE IF NOT EXISTS chat_modes (
			chat_id INTEGER PRIMARY KEY,
			mode TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
			title,
			content,
			tags,
			content='notes',
			content_rowid='rowid'
		);

		CREATE TRIGGER IF NOT EXISTS notes_ai AFTER INSERT ON notes BEGIN
			INSERT INTO notes_fts(rowid, title, content, tags) VALUES (new.rowid, new.title, new.content, new.tags);
		END;

		CREATE TRIGGER IF NOT EXISTS notes_ad AFTER DELETE ON notes BEGIN
			INSERT INTO notes_fts(notes_fts, rowid, title, content, tags) VALUES('delete', old.rowid, old.title, old.content, old.tags);
		END;
	`
	_, err := db.Exec(schema)
	return err
}

// DB exposes the connection so the scheduler can share the database file.
func (s *Store) DB() *sql.DB { return s.db }

// StartConversation creates or replaces the conversation for key and marks it active.
func (s *Store) StartConversation(ctx context.Context, key ThreadKey, history []HistoryMessage) error {
	if history == nil {
		history = []HistoryMessage{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (chat_id, thread_id, history, active, created_at, updated_at)
		VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(chat_id, thread_id) DO UPDATE SET
			history = excluded.history, active = 1, updated_at = CURRENT_TIMESTAMP
	`, key.ChatID, key.ThreadID, string(data))
	return err
}

func (s *Store) GetConversation(ctx context.Context, key ThreadKey) (*Conversation, error) {
	var (
		c    Conversation
		hist string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT history, active, created_at, updated_at FROM conversations
		WHERE chat_id = ? AND thread_id = ?
	`, key.ChatID, key.ThreadID).Scan(&hist, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(hist), &c.History); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	c.Key = key
	return &c, nil
}

func (s *Store) IsActive(ctx context.Context, key ThreadKey) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx,
		"SELECT active FROM conversations WHERE chat_id = ? AND thread_id = ?",
		key.ChatID, key.ThreadID,
	).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return active, err
}

// AddMessage appends msg to the history of an existing conversation.
func (s *Store) AddMessage(ctx context.Context, key ThreadKey, msg HistoryMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET history = json_insert(history, '$[#]', json(?)), updated_at = CURRENT_TIMESTAMP
		WHERE chat_id = ? AND thread_id = ?
	`, string(data), key.ChatID, key.ThreadID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *Store) MarkForDeletion(ctx context.Context, key ThreadKey, messageID int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO deletion_marks (chat_id, thread_id, message_id) VALUES (?, ?, ?)",
		key.ChatID, key.ThreadID, messageID,
	)
	return err
}

func (s *Store) MessagesToDelete(ctx context.Context, key ThreadKey) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT message_id FROM deletion_marks WHERE chat_id = ? AND thread_id = ? ORDER BY message_id",
		key.ChatID, key.ThreadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EndConversation deactivates the conversation and drops its deletion marks.
func (s *Store) EndConversation(ctx context.Context, key ThreadKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET active = 0, updated_at = CURRENT_TIMESTAMP WHERE chat_id = ? AND thread_id = ?",
		key.ChatID, key.ThreadID,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM deletion_marks WHERE chat_id = ? AND thread_id = ?",
		key.ChatID, key.ThreadID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetChatMode returns the stored mode for chatID, or "" when none is set.
func (s *Store) GetChatMode(ctx context.Context, chatID int64) (string, error) {
	var mode string
	err := s.db.QueryRowContext(ctx, "SELECT mode FROM chat_modes WHERE chat_id = ?", chatID).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return mode, err
}

func (s *Store) SetChatMode(ctx context.Context, chatID int64, mode string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_modes (chat_id, mode) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET mode = excluded.mode
	`, chatID, mode)
	return err
}

func (s *Store) SaveNote(ctx context.Context, note Note) error {
	tags := note.Tags
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO notes (id, title, content, tags, created_at) VALUES (?, ?, ?, ?, ?)",
		note.ID, note.Title, note.Content, string(data), note.CreatedAt,
	)
	return err
}

// ListNotes returns the most recent notes first.
func (s *Store) ListNotes(ctx context.Context, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, content, tags, created_at FROM notes ORDER BY created_at DESC, rowid DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotes(rows)
}

// SearchNotes runs an FTS5 keyword search over notes.
func (s *Store) SearchNotes(ctx context.Context, query string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 10
	}
	notes, err := s.searchNotesFTS(ctx, query, limit)
	if err != nil {
		// Bad FTS syntax; fall back to a substring match.
		return s.searchNotesLike(ctx, query, limit)
	}
	return notes, nil
}

func (s *Store) searchNotesFTS(ctx context.Context, query string, limit int) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.title, n.content, n.tags, n.created_at
		FROM notes_fts fts
		JOIN notes n ON n.rowid = fts.rowid
		WHERE notes_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotes(rows)
}

func (s *Store) searchNotesLike(ctx context.Context, query string, limit int) ([]Note, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, tags, created_at FROM notes
		WHERE title LIKE ? OR content LIKE ?
		ORDER BY created_at DESC LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotes(rows)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func scanNotes(rows *sql.Rows) ([]Note, error) {
	var notes []Note
	for rows.Next() {
		var (
			n    Note
			tags string
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &tags, &n.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
			n.Tags = nil
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
