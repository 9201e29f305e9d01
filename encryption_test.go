package waymark

import (
	"bytes"
	"testing"
)

func TestEncryptor_Roundtrip(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "correct horse"})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	plaintext := []byte(`{"title":"Lighthouse"}`)
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("Lighthouse")) {
		t.Errorf("ciphertext leaks plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("roundtrip mismatch: %q != %q", got, plaintext)
	}
}

func TestEncryptor_SaltReuse(t *testing.T) {
	first, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	ciphertext, err := first.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Reopening with the same password and salt derives the same key.
	second, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw", Salt: first.Salt()})
	if err != nil {
		t.Fatalf("NewEncryptor with salt: %v", err)
	}
	if got, err := second.Decrypt(ciphertext); err != nil || string(got) != "payload" {
		t.Errorf("Decrypt with re-derived key: %q, %v", got, err)
	}

	// A different salt derives a different key.
	third, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	if _, err := third.Decrypt(ciphertext); err == nil {
		t.Errorf("decrypting with a differently derived key must fail")
	}
}

func TestEncryptor_Config(t *testing.T) {
	if enc, err := NewEncryptor(EncryptionConfig{Enabled: false}); err != nil || enc != nil {
		t.Errorf("disabled config must return nil encryptor, got %v, %v", enc, err)
	}
	if _, err := NewEncryptor(EncryptionConfig{Enabled: true}); err == nil {
		t.Errorf("enabled config without key material must fail")
	}
	if _, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: []byte("short")}); err == nil {
		t.Errorf("wrong key size must fail")
	}

	key := make([]byte, EncryptionKeySize)
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: key})
	if err != nil {
		t.Fatalf("NewEncryptor with raw key: %v", err)
	}
	ct, err := enc.Encrypt([]byte("x"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := enc.Decrypt(ct); err != nil {
		t.Errorf("Decrypt: %v", err)
	}

	if _, err := enc.Decrypt([]byte("tiny")); err == nil {
		t.Errorf("undersized ciphertext must fail")
	}
}
