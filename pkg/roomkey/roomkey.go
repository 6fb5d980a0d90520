// Package roomkey implements the symmetric crypto used for room content:
// key generation, AES-256-GCM encryption in the "iv:ciphertext" text form,
// and HKDF subkey derivation. The text form of a key is stable: the same
// key string decrypts at any call site without renegotiation.
package roomkey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the symmetric key length in bytes.
const KeySize = 32

// gcmNonceSize matches cipher.NewGCM's standard nonce length.
const gcmNonceSize = 12

var (
	// ErrInvalidKey is returned when parsing a key that is not a
	// base64url-encoded 256-bit value.
	ErrInvalidKey = errors.New("invalid room key")
)

// Key is a room-scoped 256-bit symmetric key.
type Key []byte

// Generate produces a fresh random key.
func Generate() (Key, error) {
	k := make(Key, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("rand.Read: %w", err)
	}
	return k, nil
}

// Parse decodes the URL-safe text form produced by String.
func Parse(text string) (Key, error) {
	raw, err := base64.RawURLEncoding.DecodeString(text)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if len(raw) != KeySize {
		return nil, ErrInvalidKey
	}
	return Key(raw), nil
}

// String returns the URL-safe text encoding, suitable for a URL fragment.
func (k Key) String() string {
	return base64.RawURLEncoding.EncodeToString(k)
}

// Derive returns a purpose-bound subkey via HKDF-SHA256. Derivation is
// deterministic, so every holder of the room key computes the same subkey.
func (k Key) Derive(purpose string) (Key, error) {
	r := hkdf.New(sha256.New, k, nil, []byte(purpose))
	sub := make(Key, KeySize)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}
	return sub, nil
}

// Encrypt seals plaintext under the key with a fresh random nonce and
// returns the "iv:ciphertext" form, both halves base64url encoded.
func Encrypt(plaintext string, key Key) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(nonce) + ":" +
		base64.RawURLEncoding.EncodeToString(sealed), nil
}

// IsSealed reports whether payload has the "iv:ciphertext" shape Encrypt
// produces: both halves base64url with a nonce-sized iv. It does not
// prove the payload decrypts, only that attempting to is worthwhile;
// content without this shape is plaintext.
func IsSealed(payload string) bool {
	iv, ct, found := strings.Cut(payload, ":")
	if !found {
		return false
	}
	nonce, err := base64.RawURLEncoding.DecodeString(iv)
	if err != nil || len(nonce) != gcmNonceSize {
		return false
	}
	_, err = base64.RawURLEncoding.DecodeString(ct)
	return err == nil
}

// Decrypt reverses Encrypt. Any failure (wrong key, truncated or tampered
// payload, malformed input) yields ok=false; callers treat the payload as
// opaque and display or store it as-is.
func Decrypt(payload string, key Key) (string, bool) {
	iv, ct, found := strings.Cut(payload, ":")
	if !found {
		return "", false
	}
	nonce, err := base64.RawURLEncoding.DecodeString(iv)
	if err != nil {
		return "", false
	}
	sealed, err := base64.RawURLEncoding.DecodeString(ct)
	if err != nil {
		return "", false
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", false
	}
	if len(nonce) != gcm.NonceSize() {
		return "", false
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", false
	}
	return string(plain), true
}

// EncryptBytes seals a binary payload (file chunks) under the key.
func EncryptBytes(data []byte, key Key) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("rand.Read: %w", err)
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

// DecryptBytes reverses EncryptBytes with the same soft-failure contract
// as Decrypt.
func DecryptBytes(data []byte, key Key) ([]byte, bool) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, false
	}
	if len(data) < gcm.NonceSize() {
		return nil, false
	}
	plain, err := gcm.Open(nil, data[:gcm.NonceSize()], data[gcm.NonceSize():], nil)
	if err != nil {
		return nil, false
	}
	return plain, true
}
