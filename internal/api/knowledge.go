package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/hintline/internal/knowledge"
	"github.com/go-chi/chi/v5"
)

const maxUploadBytes = 10 << 20

// KnowledgeHandler handles workspace and document endpoints.
type KnowledgeHandler struct {
	*Handler
}

// NewKnowledgeHandler creates a new knowledge handler.
func NewKnowledgeHandler(base *Handler) *KnowledgeHandler {
	return &KnowledgeHandler{Handler: base}
}

// RegisterRoutes registers knowledge routes on the /api router.
func (h *KnowledgeHandler) RegisterRoutes(r chi.Router) {
	r.Route("/workspaces", func(r chi.Router) {
		r.Get("/", h.ListWorkspaces)
		r.Post("/", h.CreateWorkspace)
		r.Route("/{workspace}", func(r chi.Router) {
			r.Get("/stats", h.Stats)
			r.Get("/files", h.ListFiles)
			r.Post("/files", h.Upload)
			r.Delete("/files/{filename}", h.DeleteFile)
		})
	})
}

// ListWorkspaces returns all workspaces with their document counts.
func (h *KnowledgeHandler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := h.knowledge.ListWorkspaces(r.Context())
	if err != nil {
		slog.Error("Failed to list workspaces", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list workspaces")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

// CreateWorkspace creates an empty workspace named by ?name= or by a
// {"name": "..."} body.
func (h *KnowledgeHandler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	req.Name = r.URL.Query().Get("name")
	if req.Name == "" {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := h.knowledge.CreateWorkspace(r.Context(), req.Name); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("Failed to create workspace", "workspace", req.Name, "error", err)
		}
		Error(w, status, err.Error())
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

// Stats summarizes a workspace.
func (h *KnowledgeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	stats, err := h.knowledge.Stats(r.Context(), ws)
	if err != nil {
		h.fail(w, "Failed to load workspace stats", ws, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}

// ListFiles returns the documents of a workspace.
func (h *KnowledgeHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	files, err := h.knowledge.ListFiles(r.Context(), ws)
	if err != nil {
		h.fail(w, "Failed to list files", ws, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"workspace": ws, "files": files})
}

// Upload indexes a multipart "file" field into the workspace. Only .md and
// .txt files are accepted.
func (h *KnowledgeHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	if !knowledge.Supported(header.Filename) {
		Error(w, http.StatusBadRequest, knowledge.ErrUnsupportedFile.Error())
		return
	}
	content, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		Error(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	doc, err := h.knowledge.Upload(r.Context(), ws, header.Filename, content)
	if err != nil {
		h.fail(w, "Failed to index upload", ws, err)
		return
	}
	JSON(w, http.StatusCreated, doc)
}

// DeleteFile removes a document from a workspace.
func (h *KnowledgeHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "workspace")
	filename := chi.URLParam(r, "filename")
	if err := h.knowledge.DeleteFile(r.Context(), ws, filename); err != nil {
		h.fail(w, "Failed to delete file", ws, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted", "filename": filename})
}

func (h *KnowledgeHandler) fail(w http.ResponseWriter, msg, ws string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(msg, "workspace", ws, "error", err)
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}
