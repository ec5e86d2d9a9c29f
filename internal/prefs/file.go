// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package prefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
)

var ErrNotBool = errors.New("preference is not a boolean")

// FileStore keeps the preferences in a TOML document. Writes replace the file atomically.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("preference file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("failed to create preference directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Bool(_ context.Context, key string, def bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return def, err
	}
	raw, ok := values[key]
	if !ok {
		return def, nil
	}
	val, ok := raw.(bool)
	if !ok {
		return def, fmt.Errorf("%w: %s", ErrNotBool, key)
	}
	return val, nil
}

func (s *FileStore) SetBool(_ context.Context, key string, val bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return err
	}
	values[key] = val
	return s.write(values)
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) read() (map[string]any, error) {
	values := make(map[string]any)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preference file: %w", err)
	}
	if err = toml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse preference file: %w", err)
	}
	return values, nil
}

func (s *FileStore) write(values map[string]any) error {
	data, err := toml.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary preference file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write preference file: %w", err)
	}
	if err = tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set preference file mode: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close preference file: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace preference file: %w", err)
	}
	return nil
}
