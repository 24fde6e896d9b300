package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	defaultService = "dropwatch"
	keyringUser    = "encryption_key"
)

var (
	keyringSet    = keyring.Set
	keyringGet    = keyring.Get
	keyringDelete = keyring.Delete
	randRead      = rand.Read
)

// Keyring keeps the key hex-encoded in the OS secret service.
type Keyring struct {
	Service string
	User    string
}

func NewKeyring(service string) *Keyring {
	if service == "" {
		service = defaultService
	}
	return &Keyring{Service: service, User: keyringUser}
}

func (k *Keyring) Name() string { return "keyring" }

func (k *Keyring) SetKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := randRead(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := keyringSet(k.Service, k.User, hex.EncodeToString(key)); err != nil {
		return nil, err
	}
	return key, nil
}

func (k *Keyring) GetKey() ([]byte, error) {
	stored, err := keyringGet(k.Service, k.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}
	return decodeKey(stored)
}

func (k *Keyring) DeleteKey() error {
	return keyringDelete(k.Service, k.User)
}

func decodeKey(stored string) ([]byte, error) {
	key, err := hex.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("invalid key format: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: expected %d, got %d", KeySize, len(key))
	}
	return key, nil
}
