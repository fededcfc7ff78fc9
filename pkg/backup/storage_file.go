package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStorage keeps snapshots as files in one directory.
type FileStorage struct {
	basePath string
}

func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileStorage{basePath: basePath}, nil
}

// Save writes through a temporary file so readers never see a partial snapshot.
func (s *FileStorage) Save(ctx context.Context, name string, data io.Reader) error {
	if err := validName(name); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.basePath, ".tmp-"+name+"-*")
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write archive data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush archive file: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(s.basePath, name))
}

func (s *FileStorage) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(s.basePath, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive file: %w", err)
	}
	return file, nil
}

func (s *FileStorage) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func (s *FileStorage) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.basePath, name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}
