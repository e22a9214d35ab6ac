package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"runtime"

	"github.com/zalando/go-keyring"
)

const (
	keystoreService = "meetaudio-desktop"
	keystoreUser    = "token-encryption-key"
)

// GenerateOrLoadKey loads the 32-byte key from the system keychain,
// generating and storing a new one on first launch
func GenerateOrLoadKey() ([]byte, error) {
	encoded, err := keyring.Get(keystoreService, keystoreUser)
	if err == nil && encoded != "" {
		key, decodeErr := base64.StdEncoding.DecodeString(encoded)
		if decodeErr == nil && len(key) == 32 {
			return key, nil
		}
		log.Printf("WARNING: Stored encryption key is malformed, generating a new one")
	} else if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		log.Printf("WARNING: Keystore lookup failed: %v", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	if err := keyring.Set(keystoreService, keystoreUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		// Headless Linux often has no secret service; saved tokens then
		// become unreadable after restart and must be re-entered
		log.Printf("WARNING: Failed to store key in keychain: %v", err)

		if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
			return nil, fmt.Errorf("keychain storage required on %s: %w", runtime.GOOS, err)
		}
	}

	return key, nil
}

// DeleteKey removes the encryption key from the keychain
func DeleteKey() error {
	return keyring.Delete(keystoreService, keystoreUser)
}

// IsKeyStored checks if an encryption key exists in the keychain
func IsKeyStored() bool {
	_, err := keyring.Get(keystoreService, keystoreUser)
	return err == nil
}
