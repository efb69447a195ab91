// Package sqlite persists memories in a SQLite database (pure Go driver)
// and serves them to Manager.LoadFromStore page by page.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/vector"
)

// Store is a memory.Source backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS memories (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		category   TEXT NOT NULL,
		mkey       TEXT NOT NULL DEFAULT '',
		text       TEXT NOT NULL,
		embedding  BLOB,
		flags      TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, id);
	CREATE INDEX IF NOT EXISTS idx_memories_key ON memories(user_id, category, mkey);
	`)
	return err
}

// Put writes m for userID and returns its id. An empty ID gets a ULID. A
// memory with a key replaces the stored memory with the same user,
// category and key.
func (s *Store) Put(ctx context.Context, userID string, m memory.StoredMemory) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("put: empty user id")
	}
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	category := memory.ParseCategory(m.Category).String()

	flags, err := json.Marshal(m.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal flags: %w", err)
	}
	var emb []byte
	if len(m.Embedding) > 0 {
		emb = vector.Encode(m.Embedding)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if m.Metadata.Key != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memories WHERE user_id = ? AND category = ? AND mkey = ? AND id != ?`,
			userID, category, m.Metadata.Key, m.ID); err != nil {
			return "", fmt.Errorf("replace keyed memory: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO memories (id, user_id, category, mkey, text, embedding, flags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, userID, category, m.Metadata.Key, m.Text, emb, string(flags),
		m.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return m.ID, nil
}

// ReadPage implements memory.Source. Pages are ordered by id; the cursor
// is the last id of the previous page.
func (s *Store) ReadPage(ctx context.Context, userID, cursor string, limit int) (memory.Page, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, mkey, text, embedding, flags, created_at
		 FROM memories WHERE user_id = ? AND id > ?
		 ORDER BY id LIMIT ?`, userID, cursor, limit+1)
	if err != nil {
		return memory.Page{}, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var page memory.Page
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return memory.Page{}, err
		}
		page.Memories = append(page.Memories, m)
	}
	if err := rows.Err(); err != nil {
		return memory.Page{}, err
	}
	if len(page.Memories) > limit {
		page.Memories = page.Memories[:limit]
		page.Next = page.Memories[limit-1].ID
	}
	return page, nil
}

func scanMemory(rows *sql.Rows) (memory.StoredMemory, error) {
	var (
		m         memory.StoredMemory
		key       string
		emb       []byte
		flags     sql.NullString
		createdAt string
	)
	if err := rows.Scan(&m.ID, &m.Category, &key, &m.Text, &emb, &flags, &createdAt); err != nil {
		return m, fmt.Errorf("scan memory: %w", err)
	}
	if flags.Valid && flags.String != "" {
		if err := json.Unmarshal([]byte(flags.String), &m.Metadata); err != nil {
			return m, fmt.Errorf("memory %s: parse flags: %w", m.ID, err)
		}
	}
	m.Metadata.Key = key
	if len(emb) > 0 {
		vec, err := vector.Decode(emb)
		if err != nil {
			return m, fmt.Errorf("memory %s: %w", m.ID, err)
		}
		m.Embedding = vec
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return m, fmt.Errorf("memory %s: parse created_at: %w", m.ID, err)
	}
	m.CreatedAt = t
	return m, nil
}

// Count returns how many memories userID has.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// ErrNotFound is returned by Delete for unknown ids.
var ErrNotFound = errors.New("memory not found")

// Delete removes one memory.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
