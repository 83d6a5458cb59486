package domain

import "time"

// Workspace groups knowledge documents a session can draw on.
type Workspace struct {
	Name      string    `json:"name"`
	Files     int       `json:"files"`
	Chunks    int       `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is one indexed knowledge file.
type Document struct {
	ID        int64     `json:"id"`
	Workspace string    `json:"workspace"`
	Filename  string    `json:"filename"`
	Title     string    `json:"title"`
	Size      int       `json:"size"`
	Chunks    int       `json:"chunks"`
	Keywords  []string  `json:"keywords,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is a searchable slice of a document.
type Chunk struct {
	Seq      int
	Text     string
	Keywords []string
}

// ScoredChunk is a search hit; Score is the number of matching keywords.
type ScoredChunk struct {
	Filename string
	Title    string
	Text     string
	Score    int
}

// WorkspaceStats summarizes a workspace.
type WorkspaceStats struct {
	Name        string   `json:"name"`
	Files       int      `json:"files"`
	Chunks      int      `json:"chunks"`
	Keywords    int      `json:"keywords"`
	TopKeywords []string `json:"top_keywords"`
}
