//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/knowledge"
	"github.com/ashureev/hintline/internal/session"
	"github.com/ashureev/hintline/internal/store"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ks := knowledge.NewService(repo, knowledge.DefaultConfig(), nil)
	sessions := session.NewManager(session.Deps{}, session.DefaultConfig(), nil)
	h := NewHandler(ks, sessions, ClientConfig{
		SampleRate:      16000,
		FrameDurationMS: 20,
		LLMModel:        "llama3.1:8b",
		Modes:           []domain.Mode{domain.ModeInterview, domain.ModeMeeting},
		DefaultMode:     domain.ModeInterview,
	})

	r := chi.NewRouter()
	r.Mount("/api", h.Routes())
	return r
}

func upload(t *testing.T, h http.Handler, ws, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/workspaces/"+ws+"/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestKnowledgeUploadFlow(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)

	w := upload(t, h, "devops", "k8s.md", "# Kubernetes\n\nPods run containers on nodes.")
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", w.Code, w.Body)
	}
	var doc domain.Document
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.Title != "Kubernetes" || doc.Chunks != 1 {
		t.Errorf("document = %+v", doc)
	}

	w = do(h, http.MethodGet, "/api/workspaces/devops/files", "")
	var files struct {
		Files []domain.Document `json:"files"`
	}
	if err := json.NewDecoder(w.Body).Decode(&files); err != nil {
		t.Fatal(err)
	}
	if len(files.Files) != 1 || files.Files[0].Filename != "k8s.md" {
		t.Errorf("files = %+v", files.Files)
	}

	w = do(h, http.MethodGet, "/api/workspaces/devops/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	var stats domain.WorkspaceStats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Files != 1 || stats.Chunks != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if w := do(h, http.MethodDelete, "/api/workspaces/devops/files/k8s.md", ""); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := do(h, http.MethodDelete, "/api/workspaces/devops/files/k8s.md", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestKnowledgeRejects(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)

	tests := []struct {
		name string
		run  func() *httptest.ResponseRecorder
		want int
	}{
		{
			name: "pdf upload",
			run:  func() *httptest.ResponseRecorder { return upload(t, h, "devops", "cv.pdf", "%PDF") },
			want: http.StatusBadRequest,
		},
		{
			name: "empty upload",
			run:  func() *httptest.ResponseRecorder { return upload(t, h, "devops", "empty.md", "  ") },
			want: http.StatusBadRequest,
		},
		{
			name: "bad workspace name",
			run:  func() *httptest.ResponseRecorder { return do(h, http.MethodPost, "/api/workspaces", `{"name":"a b"}`) },
			want: http.StatusBadRequest,
		},
		{
			name: "malformed body",
			run:  func() *httptest.ResponseRecorder { return do(h, http.MethodPost, "/api/workspaces", `{`) },
			want: http.StatusBadRequest,
		},
		{
			name: "missing file field",
			run:  func() *httptest.ResponseRecorder { return do(h, http.MethodPost, "/api/workspaces/devops/files", "") },
			want: http.StatusBadRequest,
		},
		{
			name: "unknown workspace stats",
			run:  func() *httptest.ResponseRecorder { return do(h, http.MethodGet, "/api/workspaces/ghost/stats", "") },
			want: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := tt.run(); w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestCreateAndListWorkspaces(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)

	if w := do(h, http.MethodPost, "/api/workspaces", `{"name":"interview-prep"}`); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	if w := do(h, http.MethodPost, "/api/workspaces?name=team-notes", ""); w.Code != http.StatusCreated {
		t.Fatalf("create by query status = %d", w.Code)
	}
	if w := do(h, http.MethodPost, "/api/workspaces", ""); w.Code != http.StatusBadRequest {
		t.Errorf("create without name status = %d, want 400", w.Code)
	}
	w := do(h, http.MethodGet, "/api/workspaces", "")
	var got struct {
		Workspaces []domain.Workspace `json:"workspaces"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Workspaces) != 2 || got.Workspaces[0].Name != "interview-prep" || got.Workspaces[1].Name != "team-notes" {
		t.Errorf("workspaces = %+v", got.Workspaces)
	}
}

func TestConfigAndSessions(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t)

	w := do(h, http.MethodGet, "/api/config", "")
	var cfg ClientConfig
	if err := json.NewDecoder(w.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.SampleRate != 16000 || cfg.FrameDurationMS != 20 {
		t.Errorf("config = %+v", cfg)
	}

	w = do(h, http.MethodGet, "/api/sessions", "")
	var got struct {
		Connections int            `json:"connections"`
		Sessions    []session.Info `json:"sessions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Connections != 0 || len(got.Sessions) != 0 {
		t.Errorf("sessions = %+v", got)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "health.db"))
	if err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	NewHealthHandler(repo, nil).RegisterHealth(r)

	if w := do(r, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	_ = repo.Close()
	if w := do(r, http.MethodGet, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status after close = %d, want 503", w.Code)
	}
}
