package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

type fileContents struct {
	AccessToken string `json:"accessToken"`
	Username    string `json:"username"`
}

// FileStore reads credentials from a JSON file of the form
// {"accessToken": "...", "username": "..."}. A missing file means no
// credentials.
type FileStore struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	current fileContents
}

// NewFileStore creates a FileStore and performs an initial Load.
func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		logger: logger.With().Str("component", "CredentialFileStore").Str("path", path).Logger(),
	}
	if _, err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// AccessToken implements Source.
func (s *FileStore) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return present(s.current.AccessToken)
}

// Username implements Source.
func (s *FileStore) Username() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return present(s.current.Username)
}

// Load re-reads the file and returns the changes relative to the previous
// contents.
func (s *FileStore) Load() ([]Change, error) {
	var next fileContents
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &next); err != nil {
			return nil, fmt.Errorf("failed to parse credentials file: %w", err)
		}
	}

	s.mu.Lock()
	prev := s.current
	s.current = next
	s.mu.Unlock()

	var changes []Change
	if prev.AccessToken != next.AccessToken {
		changes = append(changes, Change{Key: KeyAccessToken, OldValue: prev.AccessToken, NewValue: next.AccessToken})
	}
	if prev.Username != next.Username {
		changes = append(changes, Change{Key: KeyUsername, OldValue: prev.Username, NewValue: next.Username})
	}
	return changes, nil
}

// Watch reloads the file whenever it is written, created, renamed or removed
// and emits the resulting changes. The channel is closed when ctx is done.
// The parent directory is watched so that atomic replace-by-rename is seen.
func (s *FileStore) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch credentials directory: %w", err)
	}

	out := make(chan Change)
	target := filepath.Clean(s.path)
	go func() {
		defer close(out)
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op == fsnotify.Chmod {
					continue
				}
				changes, err := s.Load()
				if err != nil {
					s.logger.Warn().Err(err).Msg("Failed to reload credentials file.")
					continue
				}
				for _, c := range changes {
					select {
					case out <- c:
					case <-ctx.Done():
						return
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error().Err(err).Msg("Credentials file watcher error.")
			}
		}
	}()
	return out, nil
}
