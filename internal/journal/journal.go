// Package journal records finished transcript segments and hints of each
// session as newline-delimited JSON.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

var errEmptyDir = errors.New("journal directory is empty")

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Entry is one journal line.
type Entry struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Speaker   string    `json:"speaker,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	SegmentID string    `json:"segment_id,omitempty"`
	HintID    string    `json:"hint_id,omitempty"`
	Text      string    `json:"text"`
}

// Journal accepts entries without blocking the caller.
type Journal interface {
	Log(Entry)
	Close() error
}

// Config controls journal output.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// New returns a file journal, or a no-op journal when disabled.
func New(cfg Config, logger *slog.Logger) (Journal, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if cfg.Dir == "" {
		return nil, errEmptyDir
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}

	j := &fileJournal{
		dir:     cfg.Dir,
		queue:   make(chan Entry, cfg.QueueSize),
		done:    make(chan struct{}),
		logger:  logger,
		handles: make(map[string]*os.File),
	}
	go j.loop()
	return j, nil
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Log(Entry) {}
func (Nop) Close() error { return nil }

type fileJournal struct {
	dir     string
	queue   chan Entry
	done    chan struct{}
	logger  *slog.Logger
	dropped atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
	mu        sync.RWMutex

	// handles is owned by loop.
	handles map[string]*os.File
}

// Log enqueues e; entries are dropped when the queue is full.
func (j *fileJournal) Log(e Entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed.Load() {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case j.queue <- e:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.logger.Warn("[JOURNAL] Queue full, dropping entries", "dropped", n)
		}
	}
}

// Close flushes queued entries and closes all files.
func (j *fileJournal) Close() error {
	j.closeOnce.Do(func() {
		j.mu.Lock()
		j.closed.Store(true)
		close(j.queue)
		j.mu.Unlock()
	})
	<-j.done
	return nil
}

func (j *fileJournal) loop() {
	defer close(j.done)
	defer func() {
		for id, f := range j.handles {
			if err := f.Close(); err != nil {
				j.logger.Warn("[JOURNAL] Failed to close file", "session_id", id, "error", err)
			}
		}
	}()

	for e := range j.queue {
		if err := j.write(e); err != nil {
			j.logger.Warn("[JOURNAL] Failed to write entry", "session_id", e.SessionID, "error", err)
		}
	}
}

func (j *fileJournal) write(e Entry) error {
	f, ok := j.handles[e.SessionID]
	if !ok {
		name := unsafeName.ReplaceAllString(e.SessionID, "_")
		if name == "" {
			name = "unknown"
		}
		var err error
		f, err = os.OpenFile(filepath.Join(j.dir, name+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return err
		}
		j.handles[e.SessionID] = f
	}

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}
