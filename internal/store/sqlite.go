package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS workspaces (
		name TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace TEXT NOT NULL,
		filename TEXT NOT NULL,
		title TEXT NOT NULL,
		size INTEGER NOT NULL,
		keywords TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE(workspace, filename)
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		text TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

	CREATE TABLE IF NOT EXISTS chunk_keywords (
		chunk_id INTEGER NOT NULL,
		keyword TEXT NOT NULL,
		PRIMARY KEY (chunk_id, keyword)
	);
	CREATE INDEX IF NOT EXISTS idx_chunk_keywords_keyword ON chunk_keywords(keyword);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry retries op on SQLITE_BUSY with exponential backoff: 100ms, 200ms, 400ms.
func withRetry(ctx context.Context, name string, op func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, maxRetries, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateWorkspace creates a workspace if it does not exist.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, name string) error {
	return withRetry(ctx, "create workspace", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO workspaces (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
			name, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("insert workspace: %w", err)
		}
		return nil
	})
}

// ListWorkspaces returns all workspaces with file and chunk counts.
func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	query := `
		SELECT w.name, w.created_at,
		       (SELECT COUNT(*) FROM documents d WHERE d.workspace = w.name),
		       (SELECT COUNT(*) FROM chunks c JOIN documents d ON d.id = c.document_id WHERE d.workspace = w.name)
		FROM workspaces w ORDER BY w.name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close workspace rows", "error", closeErr)
		}
	}()

	var out []domain.Workspace
	for rows.Next() {
		var ws domain.Workspace
		var createdAt int64
		if err := rows.Scan(&ws.Name, &createdAt, &ws.Files, &ws.Chunks); err != nil {
			return nil, fmt.Errorf("scan workspace row: %w", err)
		}
		ws.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return out, nil
}

// SaveDocument stores a document and its chunks in one transaction.
func (s *SQLiteStore) SaveDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error {
	return withRetry(ctx, "save document", func() error {
		return s.saveDocumentOnce(ctx, doc, chunks)
	})
}

func (s *SQLiteStore) saveDocumentOnce(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back document save", "error", rbErr)
			}
		}
	}()

	now := time.Now()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO workspaces (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		doc.Workspace, now.Unix()); err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}

	if delErr := deleteDocumentTx(ctx, tx, doc.Workspace, doc.Filename); delErr != nil && !errors.Is(delErr, ErrNotFound) {
		err = delErr
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (workspace, filename, title, size, keywords, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		doc.Workspace, doc.Filename, doc.Title, doc.Size, strings.Join(doc.Keywords, " "), now.Unix())
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	docID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("document id: %w", err)
	}

	for _, c := range chunks {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (document_id, seq, text) VALUES (?, ?, ?)`, docID, c.Seq, c.Text)
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
		chunkID, idErr := res.LastInsertId()
		if idErr != nil {
			err = idErr
			return fmt.Errorf("chunk id: %w", err)
		}
		for _, kw := range c.Keywords {
			if _, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO chunk_keywords (chunk_id, keyword) VALUES (?, ?)`, chunkID, kw); err != nil {
				return fmt.Errorf("insert keyword: %w", err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit document: %w", err)
	}
	doc.ID = docID
	doc.Chunks = len(chunks)
	doc.CreatedAt = time.Unix(now.Unix(), 0)
	return nil
}

// ListDocuments returns the documents of a workspace ordered by filename.
func (s *SQLiteStore) ListDocuments(ctx context.Context, workspace string) ([]domain.Document, error) {
	query := `
		SELECT d.id, d.workspace, d.filename, d.title, d.size, d.keywords, d.created_at,
		       (SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id)
		FROM documents d WHERE d.workspace = ? ORDER BY d.filename`

	rows, err := s.db.QueryContext(ctx, query, workspace)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close document rows", "error", closeErr)
		}
	}()

	var docs []domain.Document
	for rows.Next() {
		var d domain.Document
		var keywords string
		var createdAt int64
		if err := rows.Scan(&d.ID, &d.Workspace, &d.Filename, &d.Title, &d.Size, &keywords, &createdAt, &d.Chunks); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		d.Keywords = strings.Fields(keywords)
		d.CreatedAt = time.Unix(createdAt, 0)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument removes a document and its chunks.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, workspace, filename string) error {
	return withRetry(ctx, "delete document", func() (err error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() {
			if err != nil {
				if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
					slog.Warn("failed to roll back document delete", "error", rbErr)
				}
			}
		}()
		if err = deleteDocumentTx(ctx, tx, workspace, filename); err != nil {
			return err
		}
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("commit delete: %w", err)
		}
		return nil
	})
}

func deleteDocumentTx(ctx context.Context, tx *sql.Tx, workspace, filename string) error {
	var docID int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE workspace = ? AND filename = ?`, workspace, filename).Scan(&docID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find document: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunk_keywords WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, docID); err != nil {
		return fmt.Errorf("delete keywords: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// SearchChunks ranks chunks by keyword overlap.
func (s *SQLiteStore) SearchChunks(ctx context.Context, workspace string, keywords []string, limit int) ([]domain.ScoredChunk, error) {
	if len(keywords) == 0 || limit <= 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keywords)), ",")
	query := `
		SELECT d.filename, d.title, c.text, COUNT(*) AS score
		FROM chunk_keywords k
		JOIN chunks c ON c.id = k.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE d.workspace = ? AND k.keyword IN (` + placeholders + `)
		GROUP BY c.id
		ORDER BY score DESC, c.id ASC
		LIMIT ?`

	args := make([]any, 0, len(keywords)+2)
	args = append(args, workspace)
	for _, kw := range keywords {
		args = append(args, kw)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close search rows", "error", closeErr)
		}
	}()

	var hits []domain.ScoredChunk
	for rows.Next() {
		var h domain.ScoredChunk
		if err := rows.Scan(&h.Filename, &h.Title, &h.Text, &h.Score); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return hits, nil
}

// WorkspaceStats summarizes a workspace. It returns ErrNotFound for an
// unknown workspace.
func (s *SQLiteStore) WorkspaceStats(ctx context.Context, workspace string) (domain.WorkspaceStats, error) {
	stats := domain.WorkspaceStats{Name: workspace}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workspaces WHERE name = ?`, workspace).Scan(&exists)
	if err != nil {
		return stats, fmt.Errorf("find workspace: %w", err)
	}
	if exists == 0 {
		return stats, ErrNotFound
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents WHERE workspace = ?),
			(SELECT COUNT(*) FROM chunks c JOIN documents d ON d.id = c.document_id WHERE d.workspace = ?),
			(SELECT COUNT(DISTINCT k.keyword) FROM chunk_keywords k
				JOIN chunks c ON c.id = k.chunk_id
				JOIN documents d ON d.id = c.document_id WHERE d.workspace = ?)`,
		workspace, workspace, workspace).Scan(&stats.Files, &stats.Chunks, &stats.Keywords)
	if err != nil {
		return stats, fmt.Errorf("count workspace: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT k.keyword FROM chunk_keywords k
		JOIN chunks c ON c.id = k.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE d.workspace = ?
		GROUP BY k.keyword
		ORDER BY COUNT(*) DESC, k.keyword ASC
		LIMIT 10`, workspace)
	if err != nil {
		return stats, fmt.Errorf("query top keywords: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close keyword rows", "error", closeErr)
		}
	}()
	for rows.Next() {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return stats, fmt.Errorf("scan keyword row: %w", err)
		}
		stats.TopKeywords = append(stats.TopKeywords, kw)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate keywords: %w", err)
	}
	return stats, nil
}
