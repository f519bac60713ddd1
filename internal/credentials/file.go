// ABOUTME: Directory-per-session credential store rooted at the session storage dir
// ABOUTME: Writes are atomic (temp file + rename) so readers never see partial material

package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const credentialsFile = "credentials.bin"

// FileStore keeps each session's material in <root>/<session id>/credentials.bin.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore creates a FileStore, creating root if needed. A nil logger
// uses slog.Default.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("session storage root is required")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating session storage root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		root:   root,
		logger: logger.With("component", "credentials", "driver", "file"),
	}, nil
}

func (s *FileStore) dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, sessionID string) ([]byte, error) {
	if err := checkID(sessionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir(sessionID), credentialsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	return data, nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, sessionID string, material []byte) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	dir := s.dir(sessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, credentialsFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp credentials file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(material); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing credentials file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, credentialsFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing credentials: %w", err)
	}

	s.logger.Debug("saved credentials", "session_id", sessionID, "size", len(material))
	return nil
}

// Delete implements Store. The whole session directory is removed.
func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir(sessionID)); err != nil {
		return fmt.Errorf("removing session directory: %w", err)
	}
	return nil
}

// Exists implements Store.
func (s *FileStore) Exists(_ context.Context, sessionID string) (bool, error) {
	if !ValidID(sessionID) {
		return false, nil
	}
	info, err := os.Stat(filepath.Join(s.dir(sessionID), credentialsFile))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking credentials: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing session storage root: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !ValidID(e.Name()) {
			continue
		}
		ok, err := s.Exists(ctx, e.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}
