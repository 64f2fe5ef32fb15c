package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Encryptor encrypts recording URLs at rest with AES-256-GCM. Each user gets
// a distinct key derived from the master key via HKDF, so a leaked per-user
// key never exposes another user's recordings. A fresh nonce is drawn per
// operation.
type Encryptor struct {
	masterKey []byte
}

// NewEncryptor creates an Encryptor from a 32-byte master key.
func NewEncryptor(masterKey []byte) (*Encryptor, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	key := make([]byte, 32)
	copy(key, masterKey)
	return &Encryptor{masterKey: key}, nil
}

// userAEAD derives the per-user AEAD cipher.
func (e *Encryptor) userAEAD(userID string) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, e.masterKey, nil, []byte("voxjournal/recording-url/"+userID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving user key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return aead, nil
}

// EncryptRecordingURL returns base64(nonce || ciphertext) for the given URL.
func (e *Encryptor) EncryptRecordingURL(userID, url string) (string, error) {
	aead, err := e.userAEAD(userID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(url), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptRecordingURL reverses EncryptRecordingURL.
func (e *Encryptor) DecryptRecordingURL(userID, ciphertext string) (string, error) {
	aead, err := e.userAEAD(userID)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting recording url: %w", err)
	}
	return string(plain), nil
}
