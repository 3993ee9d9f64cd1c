// Package drafts owns locally persisted draft messages. A draft is created
// synchronously when the user picks an attachment (so the conversation view
// can show a placeholder immediately) and ends in exactly one of two terminal
// states: ready for delivery, or discarded.
package drafts

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"github.com/tinode/tinmedia/internal/drafty"
)

var log = logging.Logger("drafts")

// Draft lifecycle states.
const (
	StatusDraft     = "draft"
	StatusReady     = "ready"
	StatusDiscarded = "discarded"
)

var (
	ErrNotFound  = errors.New("draft not found")
	ErrFinalized = errors.New("draft already finalized")
)

// Draft is one locally stored draft message.
type Draft struct {
	ID        int64
	Topic     string
	Status    string
	Content   *drafty.Document
	CreatedAt int64 // unix millis
	UpdatedAt int64
}

// Store wraps a SQLite database holding draft messages.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the draft database in dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "drafts.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS drafts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			topic      TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'draft',
			content    TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_drafts_topic ON drafts(topic, status);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create drafts table: %w", err)
	}

	log.Debugf("draft store opened at %s", dbPath)
	return &Store{db: db}, nil
}

// CreateDraft inserts an empty draft for topic and returns its id.
func (s *Store) CreateDraft(topic string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	res, err := s.db.Exec(
		`INSERT INTO drafts (topic, created_at, updated_at) VALUES (?, ?, ?)`,
		topic, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert draft: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("draft id: %w", err)
	}
	return id, nil
}

// UpdateContent replaces the draft's content. Only valid while the draft is
// still in the draft state.
func (s *Store) UpdateContent(id int64, doc *drafty.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE drafts SET content = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(data), time.Now().UnixMilli(), id, StatusDraft)
	if err != nil {
		return fmt.Errorf("update draft %d: %w", id, err)
	}
	return s.checkAffected(res, id)
}

// MarkReady transitions draft → ready, optionally replacing the content in
// the same step. Terminal; returns ErrFinalized on a second transition.
func (s *Store) MarkReady(id int64, doc *drafty.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	var err error
	if doc != nil {
		var data []byte
		data, err = json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode content: %w", err)
		}
		res, err = s.db.Exec(
			`UPDATE drafts SET status = ?, content = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			StatusReady, string(data), time.Now().UnixMilli(), id, StatusDraft)
	} else {
		res, err = s.db.Exec(
			`UPDATE drafts SET status = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			StatusReady, time.Now().UnixMilli(), id, StatusDraft)
	}
	if err != nil {
		return fmt.Errorf("mark ready %d: %w", id, err)
	}
	return s.checkAffected(res, id)
}

// Discard transitions draft → discarded. Terminal.
func (s *Store) Discard(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE drafts SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusDiscarded, time.Now().UnixMilli(), id, StatusDraft)
	if err != nil {
		return fmt.Errorf("discard draft %d: %w", id, err)
	}
	return s.checkAffected(res, id)
}

// checkAffected distinguishes "no such draft" from "already finalized" when
// a guarded update matched nothing. Callers hold s.mu.
func (s *Store) checkAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRow(`SELECT status FROM drafts WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: draft %d is %s", ErrFinalized, id, status)
}

// Get returns one draft by id.
func (s *Store) Get(id int64) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, topic, status, content, created_at, updated_at FROM drafts WHERE id = ?`, id)
	return scanDraft(row)
}

// PendingDrafts returns drafts for topic still awaiting a terminal outcome.
func (s *Store) PendingDrafts(topic string) ([]*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, topic, status, content, created_at, updated_at
		 FROM drafts WHERE topic = ? AND status = ? ORDER BY id`, topic, StatusDraft)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	var out []*Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReadyDrafts returns drafts marked ready for delivery, oldest first.
func (s *Store) ReadyDrafts() ([]*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, topic, status, content, created_at, updated_at
		 FROM drafts WHERE status = ? ORDER BY id`, StatusReady)
	if err != nil {
		return nil, fmt.Errorf("list ready drafts: %w", err)
	}
	defer rows.Close()

	var out []*Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (*Draft, error) {
	var d Draft
	var content sql.NullString
	err := row.Scan(&d.ID, &d.Topic, &d.Status, &content, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan draft: %w", err)
	}
	if content.Valid && content.String != "" {
		var doc drafty.Document
		if err := json.Unmarshal([]byte(content.String), &doc); err != nil {
			return nil, fmt.Errorf("decode draft %d content: %w", d.ID, err)
		}
		d.Content = &doc
	}
	return &d, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
