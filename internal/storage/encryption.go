// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

// KeyEnv names the environment variable holding the payload key.
const KeyEnv = "VANTAGE_STORAGE_KEY"

// EncryptionKey encrypts stored payloads with AES-256-GCM.
type EncryptionKey struct {
	key []byte
}

// LoadEncryptionKey reads the key from VANTAGE_STORAGE_KEY. A base64 value
// must decode to 32 bytes; anything else is treated as a passphrase.
// Returns nil when the variable is unset.
func LoadEncryptionKey() (*EncryptionKey, error) {
	return ParseEncryptionKey(os.Getenv(KeyEnv))
}

// ParseEncryptionKey builds a key from a base64 key or a passphrase.
func ParseEncryptionKey(s string) (*EncryptionKey, error) {
	if s == "" {
		return nil, nil
	}
	keyBytes, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		keyBytes = deriveKey(s)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d bytes", len(keyBytes))
	}
	return &EncryptionKey{key: keyBytes}, nil
}

// GenerateEncryptionKey returns a random key.
func GenerateEncryptionKey() (*EncryptionKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return &EncryptionKey{key: key}, nil
}

// String returns the base64 form accepted by ParseEncryptionKey.
func (k *EncryptionKey) String() string {
	return base64.StdEncoding.EncodeToString(k.key)
}

func deriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

func (k *EncryptionKey) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (k *EncryptionKey) Encrypt(plaintext []byte) (string, error) {
	if k == nil {
		return "", fmt.Errorf("encryption key is nil")
	}
	aead, err := k.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, plaintext, nil)), nil
}

// Decrypt reverses Encrypt.
func (k *EncryptionKey) Decrypt(encoded string) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("encryption key is nil")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	aead, err := k.gcm()
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
