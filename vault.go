package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// gcmPrefix versions the sealed blob layout: prefix || nonce || ciphertext+tag.
const gcmPrefix = "gcm1"

var blobEncoding = base64.RawURLEncoding

// Vault seals and opens the account secret with AES-256-GCM. The key is held
// only inside the AEAD; plaintext is never written anywhere by the vault.
type Vault struct {
	aead cipher.AEAD
}

func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: gcm}, nil
}

func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(gcmPrefix)+len(nonce)+len(plaintext)+v.aead.Overhead())
	out = append(out, gcmPrefix...)
	out = append(out, nonce...)
	return v.aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt fails with *DecryptionError for anything that does not
// authenticate under this vault's key.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < len(gcmPrefix) || string(ciphertext[:len(gcmPrefix)]) != gcmPrefix {
		return nil, &DecryptionError{Err: errors.New("unknown blob format")}
	}
	nonceSize := v.aead.NonceSize()
	body := ciphertext[len(gcmPrefix):]
	if len(body) < nonceSize+v.aead.Overhead() {
		return nil, &DecryptionError{Err: errors.New("ciphertext too short")}
	}

	plaintext, err := v.aead.Open(nil, body[:nonceSize], body[nonceSize:], nil)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	return plaintext, nil
}

// EncryptToBlob returns the base64url blob stored in the config file.
func (v *Vault) EncryptToBlob(plaintext []byte) (string, error) {
	sealed, err := v.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return blobEncoding.EncodeToString(sealed), nil
}

// WithSecret decrypts the credential, hands the plaintext to fn and zeroes it
// before returning, whatever fn does.
func (v *Vault) WithSecret(c Credential, fn func(secret []byte) error) error {
	secret, err := v.Decrypt(c.EncryptedSecret)
	if err != nil {
		return err
	}
	defer wipe(secret)
	return fn(secret)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Credential pairs the account identity with its sealed secret.
type Credential struct {
	Identity        string
	EncryptedSecret []byte
}

// ParseCredential decodes the base64url blob from configuration.
func ParseCredential(identity, blob string) (Credential, error) {
	sealed, err := blobEncoding.DecodeString(blob)
	if err != nil {
		return Credential{}, &DecryptionError{Err: fmt.Errorf("malformed encrypted password: %w", err)}
	}
	return Credential{Identity: identity, EncryptedSecret: sealed}, nil
}

func (c Credential) String() string {
	return "credential(<redacted>)"
}

func (c Credential) GoString() string {
	return c.String()
}
