// Package filestore persists stored values as one file per key and reports
// changes made to those files by other processes.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const ext = ".json"

// Store implements stored.Storage and stored.Watcher on a directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	watchers map[string][]*watch
	done     chan struct{}
}

type watch struct {
	fn func()
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates dir if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	s := &Store{
		dir:      dir,
		logger:   slog.Default(),
		watchers: map[string][]*watch{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+ext)
}

func keyOf(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ext) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(base, ext))
	return key, err == nil
}

func (s *Store) GetItem(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("filestore: read %q: %w", key, err)
	}
	return string(data), true, nil
}

// SetItem writes through a temporary file so readers never see a partial
// value.
func (s *Store) SetItem(_ context.Context, key, value string) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("filestore: write %q: %w", key, err)
	}
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: write %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: write %q: %w", key, err)
	}
	return nil
}

func (s *Store) RemoveItem(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("filestore: remove %q: %w", key, err)
	}
	return nil
}

// Watch calls fn whenever the file for key is created, written, renamed or
// removed. fn runs on the watcher goroutine.
func (s *Store) Watch(key string, fn func()) (stop func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("filestore: watch: %w", err)
		}
		if err := w.Add(s.dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("filestore: watch %s: %w", s.dir, err)
		}
		s.watcher = w
		s.done = make(chan struct{})
		go s.processEvents(w, s.done)
	}

	wt := &watch{fn: fn}
	s.watchers[key] = append(s.watchers[key], wt)
	var once sync.Once
	return func() {
		once.Do(func() { s.unwatch(key, wt) })
	}, nil
}

func (s *Store) unwatch(key string, wt *watch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.watchers[key]
	for i, w := range list {
		if w == wt {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.watchers, key)
	} else {
		s.watchers[key] = list
	}
	if len(s.watchers) == 0 {
		s.closeWatcherLocked()
	}
}

func (s *Store) processEvents(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			key, ok := keyOf(event.Name)
			if !ok {
				continue
			}
			s.mu.Lock()
			list := append([]*watch(nil), s.watchers[key]...)
			s.mu.Unlock()
			for _, wt := range list {
				wt.fn()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("filestore: watcher error", slog.String("dir", s.dir), slog.Any("err", err))
		}
	}
}

func (s *Store) closeWatcherLocked() {
	if s.watcher == nil {
		return
	}
	s.watcher.Close()
	s.watcher = nil
}

// Close stops watching. Stored files are left in place.
func (s *Store) Close() error {
	s.mu.Lock()
	s.watchers = map[string][]*watch{}
	s.closeWatcherLocked()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}
