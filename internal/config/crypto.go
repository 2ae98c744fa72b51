package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// EnvSecretKey overrides the key file when set.
const EnvSecretKey = "SCRIPTDECK_SECRET_KEY"

const (
	encPrefix     = "enc:"
	secretKeyFile = "secret.key"
	maskPrefix    = "****"
)

// SecretKey encrypts provider API keys at rest with AES-256-GCM.
type SecretKey struct {
	key []byte
}

// NewSecretKey derives the key from $SCRIPTDECK_SECRET_KEY, or reads
// <dataDir>/secret.key, generating and persisting it on first use.
func NewSecretKey(dataDir string) (*SecretKey, error) {
	if raw := os.Getenv(EnvSecretKey); raw != "" {
		h := sha256.Sum256([]byte(raw))
		return &SecretKey{key: h[:]}, nil
	}

	keyPath := filepath.Join(dataDir, secretKeyFile)
	if data, err := os.ReadFile(keyPath); err == nil && len(data) >= 32 {
		return &SecretKey{key: data[:32]}, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("write secret key: %w", err)
	}
	return &SecretKey{key: key}, nil
}

func (s *SecretKey) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt returns "enc:" followed by base64(nonce || ciphertext).
// An empty plaintext stays empty.
func (s *SecretKey) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := s.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the "enc:" prefix are returned
// unchanged so hand-written plaintext settings keep working.
func (s *SecretKey) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	gcm, err := s.aead()
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// MaskSecret keeps the last four characters: "****abcd".
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return maskPrefix
	}
	return maskPrefix + secret[len(secret)-4:]
}

func isMasked(s string) bool {
	return strings.HasPrefix(s, maskPrefix)
}
