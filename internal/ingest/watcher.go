package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/bexchange/internal/log"
	"github.com/mattjoyce/bexchange/internal/meta"
	"github.com/mattjoyce/bexchange/internal/processor"
)

// DefaultSettle is how long a document must stay unchanged before it is read.
const DefaultSettle = 500 * time.Millisecond

// failedDir holds documents that could not be decoded or dispatched.
const failedDir = "failed"

// Watcher submits metadata documents dropped into an inbox directory. A
// document is removed after it was dispatched and moved to failed/ when it
// cannot be read. Payload files are left alone; they may still be referenced
// by queued deliveries.
type Watcher struct {
	dir    string
	submit *Submitter
	settle time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

func NewWatcher(dir string, s *Submitter, settle time.Duration) (*Watcher, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("inbox directory is empty")
	}
	if s == nil {
		return nil, fmt.Errorf("inbox watcher needs a submitter")
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		dir:     filepath.Clean(dir),
		submit:  s,
		settle:  settle,
		logger:  log.WithComponent("inbox").With("dir", dir),
		pending: make(map[string]time.Time),
	}, nil
}

// IsDocument reports whether name looks like a metadata document.
func IsDocument(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Run watches the inbox until ctx ends. Documents already present when Run
// starts are picked up too.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, failedDir), 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan inbox: %w", err)
	}
	now := time.Now()
	for _, e := range entries {
		if !e.IsDir() && IsDocument(e.Name()) {
			w.mark(filepath.Join(w.dir, e.Name()), now.Add(-w.settle))
		}
	}

	w.logger.Info("inbox watcher started", "settle_ms", w.settle.Milliseconds())
	defer w.logger.Info("inbox watcher stopped")

	ticker := time.NewTicker(max(w.settle/2, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !IsDocument(ev.Name) || filepath.Dir(ev.Name) != w.dir {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.mark(ev.Name, time.Now())
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.unmark(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", "error", err)
		case <-ticker.C:
			for _, path := range w.settled(time.Now()) {
				w.Process(ctx, path)
			}
		}
	}
}

// Process submits one document file.
func (w *Watcher) Process(ctx context.Context, path string) {
	doc, err := meta.LoadDocument(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		w.logger.Error("unreadable metadata document", "file", filepath.Base(path), "error", err)
		w.moveFailed(path)
		return
	}

	item := processor.Item{Metadata: doc.Metadata, Payload: doc.Metadata.Payload()}
	out, err := w.submit.Submit(ctx, item)
	switch {
	case errors.Is(err, ErrDuplicate):
		w.logger.Info("duplicate document discarded", "file", filepath.Base(path))
	case err != nil:
		w.logger.Error("document dispatch failed", "file", filepath.Base(path), "error", err)
		w.moveFailed(path)
		return
	default:
		matched := 0
		for _, d := range out {
			if d.Outcome.Matched() {
				matched++
			}
		}
		w.logger.Info("document dispatched", "file", filepath.Base(path), "item", item.ID(), "matched", matched)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("failed to remove dispatched document", "file", filepath.Base(path), "error", err)
	}
}

func (w *Watcher) moveFailed(path string) {
	target := filepath.Join(w.dir, failedDir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		w.logger.Warn("failed to move document to failed/", "file", filepath.Base(path), "error", err)
	}
}

func (w *Watcher) mark(path string, at time.Time) {
	w.mu.Lock()
	w.pending[path] = at
	w.mu.Unlock()
}

func (w *Watcher) unmark(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

// settled removes and returns the documents untouched for the settle period,
// sorted by name.
func (w *Watcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.settle {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(out)
	return out
}
