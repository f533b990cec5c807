package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fileClient is the on-disk JSON shape of an operator-provisioned client.
type fileClient struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
}

// FileStore is a read-only Store backed by a JSON file of operator
// provisioned clients. The file is reloaded when it changes on disk, so
// clients can be added or rotated without a restart. Create and Delete
// return ErrReadOnly; dynamic registration needs a writable store.
type FileStore struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileStore loads path and starts watching it for changes. Close releases
// the watcher.
func NewFileStore(path string, log *slog.Logger) (*FileStore, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &FileStore{
		path: path,
		log:  log,
		done: make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config reloaders tend
	// to replace the file by rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *FileStore) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			// Writers are not atomic; give the file a beat to settle.
			time.Sleep(50 * time.Millisecond)
			if err := s.reload(); err != nil {
				s.log.Warn("clients.file.reload_failed",
					slog.String("path", s.path),
					slog.String("err", err.Error()))
				continue
			}
			s.mu.RLock()
			n := len(s.clients)
			s.mu.RUnlock()
			s.log.Info("clients.file.reloaded",
				slog.String("path", s.path),
				slog.Int("clients", n))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("clients.file.watch_error", slog.String("err", err.Error()))
		}
	}
}

// reload parses the file and atomically swaps the client map. A malformed
// file leaves the previous load in place.
func (s *FileStore) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read client file: %w", err)
	}

	var entries []fileClient
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("failed to parse client file: %w", err)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("failed to stat client file: %w", err)
	}

	next := make(map[string]*Client, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("client entry missing id")
		}
		if err := ValidateRedirectURIs(e.RedirectURIs); err != nil {
			return fmt.Errorf("client %s: %w", e.ID, err)
		}
		if _, dup := next[e.ID]; dup {
			return fmt.Errorf("duplicate client id %s", e.ID)
		}
		next[e.ID] = &Client{
			ID:           e.ID,
			Name:         e.Name,
			RedirectURIs: append([]string(nil), e.RedirectURIs...),
			CreatedAt:    info.ModTime(),
		}
	}

	s.mu.Lock()
	s.clients = next
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Create(ctx context.Context, client *Client) error {
	return ErrReadOnly
}

func (s *FileStore) Get(ctx context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[id]
	if !ok {
		return nil, nil
	}
	cp := *client
	return &cp, nil
}

func (s *FileStore) List(ctx context.Context) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		cp := *client
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	return false, ErrReadOnly
}

// Close stops the file watcher.
func (s *FileStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
