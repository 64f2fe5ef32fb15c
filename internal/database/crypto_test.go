package database

import (
	"bytes"
	"strings"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("creating encryptor: %v", err)
	}

	const url = "https://carrier.example.com/recordings/RE123"
	ciphertext, err := enc.EncryptRecordingURL("alice", url)
	if err != nil {
		t.Fatalf("encrypting: %v", err)
	}
	if strings.Contains(ciphertext, url) {
		t.Fatal("ciphertext contains the plaintext url")
	}

	plain, err := enc.DecryptRecordingURL("alice", ciphertext)
	if err != nil {
		t.Fatalf("decrypting: %v", err)
	}
	if plain != url {
		t.Errorf("decrypted = %q, want %q", plain, url)
	}
}

func TestEncryptorNoncesAreFresh(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("creating encryptor: %v", err)
	}

	a, err := enc.EncryptRecordingURL("alice", "https://example.com/r/1")
	if err != nil {
		t.Fatalf("first encrypt: %v", err)
	}
	b, err := enc.EncryptRecordingURL("alice", "https://example.com/r/1")
	if err != nil {
		t.Fatalf("second encrypt: %v", err)
	}
	if a == b {
		t.Error("identical ciphertexts for repeated plaintext")
	}
}

func TestEncryptorKeysArePerUser(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("creating encryptor: %v", err)
	}

	ciphertext, err := enc.EncryptRecordingURL("alice", "https://example.com/r/1")
	if err != nil {
		t.Fatalf("encrypting: %v", err)
	}
	if _, err := enc.DecryptRecordingURL("bob", ciphertext); err == nil {
		t.Error("another user's key decrypted the ciphertext")
	}
}

func TestEncryptorRejectsTamperedCiphertext(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("creating encryptor: %v", err)
	}

	if _, err := enc.DecryptRecordingURL("alice", "not base64!!"); err == nil {
		t.Error("malformed ciphertext accepted")
	}
	if _, err := enc.DecryptRecordingURL("alice", "c2hvcnQ="); err == nil {
		t.Error("truncated ciphertext accepted")
	}
}

func TestNewEncryptorKeyLength(t *testing.T) {
	if _, err := NewEncryptor(make([]byte, 16)); err == nil {
		t.Error("16-byte key accepted, want 32 bytes required")
	}
	if _, err := NewEncryptor(nil); err == nil {
		t.Error("nil key accepted")
	}
}
