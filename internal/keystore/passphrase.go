package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/crypto/argon2"
)

const (
	saltFileName = "vault.salt"
	saltSize     = 16

	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// PassphraseStore derives the key with Argon2id. Only the salt is written to
// disk; the passphrase itself never is.
type PassphraseStore struct {
	fs         afero.Fs
	dir        string
	passphrase []byte
}

func NewPassphraseStore(fs afero.Fs, dir string, passphrase []byte) *PassphraseStore {
	return &PassphraseStore{fs: fs, dir: dir, passphrase: passphrase}
}

func (p *PassphraseStore) Name() string { return "passphrase" }

func (p *PassphraseStore) path() string {
	return filepath.Join(p.dir, saltFileName)
}

func (p *PassphraseStore) SetKey() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := randRead(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := writeAtomic(p.fs, p.path(), salt, keyFileMode); err != nil {
		return nil, err
	}
	return p.derive(salt), nil
}

func (p *PassphraseStore) GetKey() ([]byte, error) {
	salt, err := afero.ReadFile(p.fs, p.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}
	if len(salt) != saltSize {
		return nil, fmt.Errorf("invalid salt length: expected %d, got %d", saltSize, len(salt))
	}
	return p.derive(salt), nil
}

func (p *PassphraseStore) DeleteKey() error {
	return p.fs.Remove(p.path())
}

func (p *PassphraseStore) derive(salt []byte) []byte {
	return argon2.IDKey(p.passphrase, salt, argonTime, argonMemory, argonThreads, KeySize)
}
