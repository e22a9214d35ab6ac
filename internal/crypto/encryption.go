package crypto

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
	"sync"
)

var (
	encryptionKey []byte
	keyMu         sync.RWMutex
)

// ErrNotInitialized is returned when no key has been loaded yet
var ErrNotInitialized = errors.New("encryption not initialized")

// InitEncryption loads the AES-256 key used for stored backend tokens.
// Priority:
// 1. MEETAUDIO_ENCRYPTION_KEY (or ENCRYPTION_KEY) environment variable
// 2. System keychain
// 3. Generate new key and store in keychain
func InitEncryption() error {
	keyString := os.Getenv("MEETAUDIO_ENCRYPTION_KEY")
	if keyString == "" {
		keyString = os.Getenv("ENCRYPTION_KEY")
	}
	if keyString != "" {
		setKey(deriveKey(keyString))
		return nil
	}

	key, err := GenerateOrLoadKey()
	if err != nil {
		return fmt.Errorf("failed to initialize encryption from keystore: %w", err)
	}
	setKey(key)
	return nil
}

// deriveKey accepts a base64 32-byte key as-is and hashes anything else to 32 bytes
func deriveKey(keyString string) []byte {
	if keyBytes, err := base64.StdEncoding.DecodeString(keyString); err == nil {
		if len(keyBytes) == 32 {
			return keyBytes
		}
		hash := sha256.Sum256(keyBytes)
		return hash[:]
	}
	hash := sha256.Sum256([]byte(keyString))
	return hash[:]
}

func setKey(key []byte) {
	keyMu.Lock()
	defer keyMu.Unlock()
	encryptionKey = key
}

func currentKey() []byte {
	keyMu.RLock()
	defer keyMu.RUnlock()
	return encryptionKey
}

// IsInitialized checks if encryption has been initialized
func IsInitialized() bool {
	return len(currentKey()) > 0
}

func newGCM() (cipher.AEAD, error) {
	key := currentKey()
	if len(key) == 0 {
		return nil, ErrNotInitialized
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext using AES-256-GCM and returns
// base64(nonce || ciphertext)
func Encrypt(plaintext string) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt
func Decrypt(ciphertextB64 string) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// EncryptSecret encrypts a backend API token. Empty tokens stay empty.
func EncryptSecret(secret string) (string, error) {
	if secret == "" {
		return "", nil
	}
	return Encrypt(secret)
}

// DecryptSecret decrypts a token produced by EncryptSecret
func DecryptSecret(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	return Decrypt(encrypted)
}
