package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSource serves tokens from a file that an external agent rotates in
// place (projected service-account tokens, sidecar-refreshed secrets).
// The parent directory is watched with fsnotify so Current stays warm;
// Refresh always re-reads the file, because by the time the broker asks,
// the rotation that obsoleted the old token has usually already landed.
type FileSource struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	current Token

	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ Source = (*FileSource)(nil)

// NewFileSource loads the token at path and starts watching its parent
// directory for rotations.
func NewFileSource(path string, log *slog.Logger) (*FileSource, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &FileSource{path: path, log: log, done: make(chan struct{})}

	tok, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current = tok

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start token watcher: %w", err)
	}
	// Watch the directory, not the file: rotation via rename replaces the
	// inode and would silently detach a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch token dir: %w", err)
	}
	s.watcher = watcher

	go s.run()
	return s, nil
}

// Current returns the most recently observed token without touching the
// filesystem.
func (s *FileSource) Current() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Refresh implements Source by re-reading the token file.
func (s *FileSource) Refresh(ctx context.Context) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	tok, err := s.load()
	if err != nil {
		return Token{}, err
	}
	if tok.Empty() {
		return Token{}, ErrDeclined
	}
	s.mu.Lock()
	s.current = tok
	s.mu.Unlock()
	return tok, nil
}

// Close stops the rotation watcher.
func (s *FileSource) Close() error {
	close(s.done)
	return s.watcher.Close()
}

func (s *FileSource) load() (Token, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Token{}, fmt.Errorf("read token file: %w", err)
	}
	return New(strings.TrimSpace(string(raw))), nil
}

func (s *FileSource) run() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			tok, err := s.load()
			if err != nil {
				s.log.Warn("token file reload failed", "path", s.path, "err", err)
				continue
			}
			s.mu.Lock()
			s.current = tok
			s.mu.Unlock()
			s.log.Debug("token file rotated", "path", s.path, "expires_at", tok.ExpiresAt)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("token watcher error", "err", err)
		}
	}
}
