// Package keystore holds the symmetric key that protects the stored account
// password. The key lives in the operating system keyring when one is
// available, in a 0600 key file otherwise, or is derived from a passphrase.
// Key bytes are only ever returned to the caller; nothing here logs them.
package keystore

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"
)

// KeySize is the length of every key handed out by a Store.
const KeySize = 32

// ErrNoKey reports that a store holds no key yet.
var ErrNoKey = errors.New("no key stored")

// Store is a source of the vault key.
type Store interface {
	// GetKey returns the stored key or an error wrapping ErrNoKey.
	GetKey() ([]byte, error)
	// SetKey generates, stores and returns a fresh key.
	SetKey() ([]byte, error)
	DeleteKey() error
	Name() string
}

// Options selects and configures the key source.
type Options struct {
	// Dir holds the fallback key file and the passphrase salt.
	Dir string
	// Passphrase, when non-empty, derives the key instead of storing one.
	Passphrase []byte
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// Service names the keyring entry.
	Service string
}

// Open returns the key from the configured source, creating one on first use.
// When the OS keyring is unreachable the file store takes over.
func Open(opts Options) ([]byte, Store, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	if len(opts.Passphrase) > 0 {
		s := NewPassphraseStore(fs, opts.Dir, opts.Passphrase)
		key, err := getOrCreate(s)
		return key, s, err
	}

	kr := NewKeyring(opts.Service)
	key, err := getOrCreate(kr)
	if err == nil {
		return key, kr, nil
	}

	fallback := NewFileStore(fs, opts.Dir)
	key, ferr := getOrCreate(fallback)
	if ferr != nil {
		return nil, nil, fmt.Errorf("keyring unavailable (%v), file store failed: %w", err, ferr)
	}
	return key, fallback, nil
}

func getOrCreate(s Store) ([]byte, error) {
	key, err := s.GetKey()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNoKey) {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	key, err = s.SetKey()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	return key, nil
}
