package tether

import (
	"bytes"
	"testing"
)

func TestEncryptorDisabled(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}
	if enc != nil {
		t.Error("disabled config should yield a nil encryptor")
	}
}

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "secret"})
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}

	plaintext := []byte(`{"title":"buy milk"}`)
	sealed, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Error("ciphertext equals plaintext")
	}

	opened, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", opened, plaintext)
	}
}

func TestEncryptorNonceVaries(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "secret"})
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}

	a, _ := enc.Encrypt([]byte("same"))
	b, _ := enc.Encrypt([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

func TestEncryptorWithSaltReproducesKey(t *testing.T) {
	first, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "secret"})
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}
	sealed, err := first.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	second, err := NewEncryptorWithSalt("secret", first.Salt())
	if err != nil {
		t.Fatalf("NewEncryptorWithSalt() error: %v", err)
	}
	opened, err := second.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() with re-derived key error: %v", err)
	}
	if string(opened) != "payload" {
		t.Errorf("Decrypt() = %q, want payload", opened)
	}
}

func TestEncryptorWrongPassword(t *testing.T) {
	first, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "secret"})
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}
	sealed, _ := first.Encrypt([]byte("payload"))

	wrong, err := NewEncryptorWithSalt("not-the-password", first.Salt())
	if err != nil {
		t.Fatalf("NewEncryptorWithSalt() error: %v", err)
	}
	if _, err := wrong.Decrypt(sealed); err == nil {
		t.Error("decryption with the wrong password should fail")
	}
}

func TestEncryptorDecryptGarbage(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "secret"})
	if err != nil {
		t.Fatalf("NewEncryptor() error: %v", err)
	}
	if _, err := enc.Decrypt([]byte("short")); err == nil {
		t.Error("expected error for truncated ciphertext")
	}
}
