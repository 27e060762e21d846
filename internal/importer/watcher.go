package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"

	// DefaultSettle is how long a file must be quiet before it is imported.
	DefaultSettle = 500 * time.Millisecond
)

// Watcher imports export files dropped into an inbox directory. Imported
// files are moved to processed/, files that could not be imported to
// failed/ next to a .error file with the reason.
//
// Writers should create files under a temporary name (a leading dot or a
// .tmp or .part suffix) and rename them into place.
type Watcher struct {
	importer *Importer
	dir      string
	settle   time.Duration
	log      logger.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithSettle sets the quiet period before a file is imported.
func WithSettle(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

// NewWatcher creates a stopped watcher on dir.
func NewWatcher(im *Importer, dir string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		importer: im,
		dir:      dir,
		settle:   DefaultSettle,
		log:      im.log.Module("inbox"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start creates the inbox layout, imports files already present and then
// watches for new ones until Stop is called or ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	for _, d := range []string{w.dir, filepath.Join(w.dir, ProcessedDir), filepath.Join(w.dir, FailedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return errors.New(err).
				Component("importer").
				Category(errors.CategoryFileIO).
				Context("path", d).
				Build()
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create inbox watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch inbox %s: %w", w.dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(ctx, fsw, w.done)
	w.log.Info("inbox watcher started", logger.String("dir", w.dir))
	return nil
}

// Stop ends watching and waits for an import in progress to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	done := w.done
	w.mu.Unlock()

	<-done
	w.log.Info("inbox watcher stopped")
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer func() { _ = fsw.Close() }()

	// Files seen before the watch was established.
	pending := make(map[string]time.Time)
	if entries, err := os.ReadDir(w.dir); err == nil {
		for _, e := range entries {
			if !e.IsDir() && w.candidate(e.Name()) {
				pending[filepath.Join(w.dir, e.Name())] = time.Time{}
			}
		}
	}

	ticker := time.NewTicker(max(w.settle/2, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-fsw.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Dir(evt.Name) != filepath.Clean(w.dir) || !w.candidate(filepath.Base(evt.Name)) {
				continue
			}
			pending[evt.Name] = time.Now()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("inbox watcher error", logger.Error(err))

		case now := <-ticker.C:
			for path, seen := range pending {
				if now.Sub(seen) < w.settle {
					continue
				}
				delete(pending, path)
				w.process(ctx, path)
			}
		}
	}
}

// candidate reports whether name looks like a finished export.
func (w *Watcher) candidate(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonl", ".ndjson":
		return true
	}
	return false
}

// process imports one inbox file and moves it out of the inbox.
func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		// Renamed away or removed before it settled.
		return
	}

	res, err := w.importer.ImportFile(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the file stays in the inbox for the next start.
			return
		}
		w.log.Error("inbox import failed",
			logger.String("path", path),
			logger.Error(err))
		dest := w.move(path, FailedDir)
		if dest != "" {
			if werr := os.WriteFile(dest+".error", []byte(err.Error()+"\n"), 0o600); werr != nil {
				w.log.Warn("failed to write import error file", logger.Error(werr))
			}
		}
		return
	}

	if res.Skipped() > 0 {
		w.log.Warn("inbox import skipped entries",
			logger.String("path", path),
			logger.Int("invalid", res.Invalid),
			logger.Int("rejected", res.Rejected))
	}
	w.move(path, ProcessedDir)
}

// move renames path into the named inbox subdirectory and returns the new
// path, or "" when the move failed. An existing file of the same name is
// kept by adding a timestamp.
func (w *Watcher) move(path, sub string) string {
	name := filepath.Base(path)
	dest := filepath.Join(w.dir, sub, name)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(name)
		stamp := time.Now().UTC().Format("20060102T150405.000000000")
		dest = filepath.Join(w.dir, sub, strings.TrimSuffix(name, ext)+"."+stamp+ext)
	}
	if err := os.Rename(path, dest); err != nil {
		w.log.Error("failed to move inbox file",
			logger.String("path", path),
			logger.String("dest", dest),
			logger.Error(err))
		return ""
	}
	return dest
}
