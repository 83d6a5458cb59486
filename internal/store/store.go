// Package store provides persistence for the knowledge index.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/hintline/internal/domain"
)

// ErrNotFound is returned when a workspace or document does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting knowledge documents and
// searching their chunks.
type Repository interface {
	// CreateWorkspace creates a workspace if it does not exist.
	CreateWorkspace(ctx context.Context, name string) error

	// ListWorkspaces returns all workspaces with file and chunk counts.
	ListWorkspaces(ctx context.Context) ([]domain.Workspace, error)

	// SaveDocument stores a document and its chunks, replacing a document
	// with the same filename in the workspace.
	SaveDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error

	// ListDocuments returns the documents of a workspace.
	ListDocuments(ctx context.Context, workspace string) ([]domain.Document, error)

	// DeleteDocument removes a document and its chunks.
	DeleteDocument(ctx context.Context, workspace, filename string) error

	// SearchChunks returns chunks of the workspace ranked by how many of the
	// given keywords they carry. Chunks without any match are not returned.
	SearchChunks(ctx context.Context, workspace string, keywords []string, limit int) ([]domain.ScoredChunk, error)

	// WorkspaceStats summarizes a workspace.
	WorkspaceStats(ctx context.Context, workspace string) (domain.WorkspaceStats, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
