package backup

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
)

// loadOrGenerateKey decodes the configured hex key, or falls back to a key
// file under keyDir, generating and persisting one when neither exists.
// Generation is a warning, not a failure; deployments that need fail-closed
// key management must configure the key explicitly.
func loadOrGenerateKey(hexKey, keyDir string) ([]byte, error) {
	if hexKey != "" {
		return decodeKey(hexKey)
	}

	keyPath := filepath.Join(keyDir, "backup.key")
	if data, err := os.ReadFile(keyPath); err == nil {
		return decodeKey(strings.TrimSpace(string(data)))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("persist generated key: %w", err)
	}
	log.Warn().Str("path", keyPath).Msg("No encryption key configured; generated one. Configure an external key source for production.")
	return key, nil
}

func decodeKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// encryptFile seals the file at src into dst using XChaCha20-Poly1305 and
// removes src on success. The nonce is prepended to the ciphertext.
func encryptFile(key []byte, src, dst string) error {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	if err := os.WriteFile(dst, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return os.Remove(src)
}

// decryptFile opens the sealed file at src into dst.
func decryptFile(key []byte, src, dst string) error {
	sealed, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	if len(sealed) < aead.NonceSize() {
		return fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decrypt %s: %w", src, err)
	}
	return os.WriteFile(dst, plaintext, 0o600)
}
