package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	keyFileName = "vault.key"
	keyFileMode = 0600
)

// FileStore is the fallback when no OS keyring is reachable. The key is
// stored hex-encoded with 0600 permissions.
type FileStore struct {
	fs  afero.Fs
	dir string
}

func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fs, dir: dir}
}

func (f *FileStore) Name() string { return "key file" }

func (f *FileStore) path() string {
	return filepath.Join(f.dir, keyFileName)
}

func (f *FileStore) SetKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := randRead(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := writeAtomic(f.fs, f.path(), []byte(hex.EncodeToString(key)), keyFileMode); err != nil {
		return nil, err
	}
	return key, nil
}

func (f *FileStore) GetKey() ([]byte, error) {
	data, err := afero.ReadFile(f.fs, f.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}
	return decodeKey(string(data))
}

func (f *FileStore) DeleteKey() error {
	return f.fs.Remove(f.path())
}

// writeAtomic writes data to a temp file in the target directory and renames
// it into place, so an interrupted write never leaves a truncated file.
func writeAtomic(fs afero.Fs, path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fs.Chmod(tmpPath, mode); err != nil {
		fs.Remove(tmpPath)
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		fs.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
