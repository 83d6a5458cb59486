// Package knowledge indexes user documents into workspaces and retrieves
// the fragments most relevant to a piece of conversation.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/metrics"
	"github.com/ashureev/hintline/internal/store"
)

var (
	// ErrInvalidWorkspace is returned for empty or unsafe workspace names.
	ErrInvalidWorkspace = errors.New("invalid workspace name")
	// ErrUnsupportedFile is returned for files other than .md and .txt.
	ErrUnsupportedFile = errors.New("only .md and .txt files are supported")
	// ErrEmptyDocument is returned for documents without text.
	ErrEmptyDocument = errors.New("document is empty")
)

var workspacePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Config holds the indexing and retrieval limits.
type Config struct {
	ChunkSize        int
	ChunkOverlap     int
	ChunkKeywords    int
	FileKeywords     int
	QueryKeywords    int
	MaxContextTokens int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        1000,
		ChunkOverlap:     100,
		ChunkKeywords:    20,
		FileKeywords:     50,
		QueryKeywords:    10,
		MaxContextTokens: 2000,
	}
}

// Service indexes and searches knowledge documents.
type Service struct {
	repo   store.Repository
	cfg    Config
	logger *slog.Logger
}

// NewService creates a knowledge service on top of repo.
func NewService(repo store.Repository, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	if cfg.ChunkKeywords <= 0 {
		cfg.ChunkKeywords = def.ChunkKeywords
	}
	if cfg.FileKeywords <= 0 {
		cfg.FileKeywords = def.FileKeywords
	}
	if cfg.QueryKeywords <= 0 {
		cfg.QueryKeywords = def.QueryKeywords
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = def.MaxContextTokens
	}
	return &Service{repo: repo, cfg: cfg, logger: logger}
}

// ValidWorkspace reports whether name can be used as a workspace.
func ValidWorkspace(name string) bool {
	return workspacePattern.MatchString(name)
}

// Supported reports whether filename has an indexable extension.
func Supported(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".txt":
		return true
	default:
		return false
	}
}

// CreateWorkspace creates an empty workspace.
func (s *Service) CreateWorkspace(ctx context.Context, name string) error {
	if !ValidWorkspace(name) {
		return fmt.Errorf("%w: %q", ErrInvalidWorkspace, name)
	}
	return s.repo.CreateWorkspace(ctx, name)
}

// ListWorkspaces returns all workspaces.
func (s *Service) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	return s.repo.ListWorkspaces(ctx)
}

// ListFiles returns the documents of a workspace.
func (s *Service) ListFiles(ctx context.Context, workspace string) ([]domain.Document, error) {
	if !ValidWorkspace(workspace) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWorkspace, workspace)
	}
	return s.repo.ListDocuments(ctx, workspace)
}

// DeleteFile removes a document from a workspace.
func (s *Service) DeleteFile(ctx context.Context, workspace, filename string) error {
	if !ValidWorkspace(workspace) {
		return fmt.Errorf("%w: %q", ErrInvalidWorkspace, workspace)
	}
	return s.repo.DeleteDocument(ctx, workspace, filename)
}

// Stats summarizes a workspace.
func (s *Service) Stats(ctx context.Context, workspace string) (domain.WorkspaceStats, error) {
	if !ValidWorkspace(workspace) {
		return domain.WorkspaceStats{}, fmt.Errorf("%w: %q", ErrInvalidWorkspace, workspace)
	}
	return s.repo.WorkspaceStats(ctx, workspace)
}

// Upload indexes content as filename in workspace, replacing any previous
// version of the file.
func (s *Service) Upload(ctx context.Context, workspace, filename string, content []byte) (domain.Document, error) {
	if !ValidWorkspace(workspace) {
		return domain.Document{}, fmt.Errorf("%w: %q", ErrInvalidWorkspace, workspace)
	}
	filename = filepath.Base(filename)
	if !Supported(filename) {
		return domain.Document{}, fmt.Errorf("%w: %s", ErrUnsupportedFile, filename)
	}
	if !utf8.Valid(content) {
		return domain.Document{}, fmt.Errorf("%w: %s is not UTF-8 text", ErrUnsupportedFile, filename)
	}
	text := string(content)
	if strings.TrimSpace(text) == "" {
		return domain.Document{}, ErrEmptyDocument
	}

	doc := domain.Document{
		Workspace: workspace,
		Filename:  filename,
		Title:     ExtractTitle(text, filename),
		Size:      len(content),
		Keywords:  ExtractKeywords(text, s.cfg.FileKeywords),
	}

	parts := SplitChunks(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	chunks := make([]domain.Chunk, 0, len(parts))
	for i, p := range parts {
		chunks = append(chunks, domain.Chunk{
			Seq:      i,
			Text:     p,
			Keywords: ExtractKeywords(p, s.cfg.ChunkKeywords),
		})
	}

	if err := s.repo.SaveDocument(ctx, &doc, chunks); err != nil {
		return domain.Document{}, fmt.Errorf("save %s/%s: %w", workspace, filename, err)
	}
	s.logger.Info("Indexed knowledge file", "workspace", workspace, "filename", filename, "chunks", len(chunks))
	return doc, nil
}

// Retrieve returns up to topK fragments of workspace relevant to query, each
// prefixed with its source file and together bounded by the context budget.
// A query with no usable keywords or no match yields an empty result.
func (s *Service) Retrieve(ctx context.Context, workspace, query string, topK int) ([]string, error) {
	if workspace == "" {
		return nil, nil
	}
	keywords := ExtractKeywords(query, s.cfg.QueryKeywords)
	if len(keywords) == 0 {
		metrics.KnowledgeRetrievals.WithLabelValues("empty").Inc()
		return nil, nil
	}

	hits, err := s.repo.SearchChunks(ctx, workspace, keywords, topK)
	if err != nil {
		metrics.KnowledgeRetrievals.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("search %s: %w", workspace, err)
	}
	if len(hits) == 0 {
		metrics.KnowledgeRetrievals.WithLabelValues("empty").Inc()
		return nil, nil
	}

	budget := s.cfg.MaxContextTokens * 4
	used := 0
	var fragments []string
	for _, h := range hits {
		fragment := fmt.Sprintf("[From %s]\n%s", h.Filename, h.Text)
		if used+len(fragment) > budget {
			remaining := budget - used
			if remaining > 100 {
				fragments = append(fragments, truncate(fragment, remaining-3)+"...")
			}
			break
		}
		fragments = append(fragments, fragment)
		used += len(fragment)
	}

	metrics.KnowledgeRetrievals.WithLabelValues("hit").Inc()
	return fragments, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// IndexDirectory imports dir/<workspace>/*.{md,txt}. It returns the number
// of files indexed; unreadable files are logged and skipped.
func (s *Service) IndexDirectory(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read knowledge dir: %w", err)
	}

	indexed := 0
	for _, ws := range entries {
		if !ws.IsDir() || !ValidWorkspace(ws.Name()) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, ws.Name()))
		if err != nil {
			s.logger.Warn("Failed to read workspace dir", "workspace", ws.Name(), "error", err)
			continue
		}
		for _, f := range files {
			if f.IsDir() || !Supported(f.Name()) {
				continue
			}
			if ctx.Err() != nil {
				return indexed, ctx.Err()
			}
			content, err := os.ReadFile(filepath.Join(dir, ws.Name(), f.Name()))
			if err != nil {
				s.logger.Warn("Failed to read knowledge file", "workspace", ws.Name(), "filename", f.Name(), "error", err)
				continue
			}
			if _, err := s.Upload(ctx, ws.Name(), f.Name(), content); err != nil {
				s.logger.Warn("Failed to index knowledge file", "workspace", ws.Name(), "filename", f.Name(), "error", err)
				continue
			}
			indexed++
		}
	}
	return indexed, nil
}
