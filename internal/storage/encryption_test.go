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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	key, err := GenerateEncryptionKey()
	require.NoError(t, err)

	large := make([]byte, 1<<20)
	for i := range large {
		large[i] = byte(i % 256)
	}

	for name, plaintext := range map[string][]byte{
		"payload": []byte(`{"subjectId":"user-1"}`),
		"empty":   {},
		"large":   large,
	} {
		t.Run(name, func(t *testing.T) {
			sealed, err := key.Encrypt(plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, string(plaintext), sealed)

			opened, err := key.Decrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, len(plaintext), len(opened))
			if len(plaintext) > 0 {
				assert.Equal(t, plaintext, opened)
			}
		})
	}
}

func TestDecrypt_Rejects(t *testing.T) {
	key, err := GenerateEncryptionKey()
	require.NoError(t, err)
	other, err := GenerateEncryptionKey()
	require.NoError(t, err)
	assert.NotEqual(t, key.String(), other.String())

	sealed, err := key.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = other.Decrypt(sealed)
	assert.Error(t, err, "wrong key")
	_, err = key.Decrypt("not base64!")
	assert.Error(t, err)
	_, err = key.Decrypt("YWJj")
	assert.Error(t, err, "shorter than a nonce")

	var nilKey *EncryptionKey
	_, err = nilKey.Encrypt([]byte("x"))
	assert.Error(t, err)
	_, err = nilKey.Decrypt(sealed)
	assert.Error(t, err)
}

func TestParseEncryptionKey(t *testing.T) {
	generated, err := GenerateEncryptionKey()
	require.NoError(t, err)

	key, err := ParseEncryptionKey(generated.String())
	require.NoError(t, err)
	assert.Equal(t, generated.String(), key.String())

	key, err = ParseEncryptionKey("my-secret-passphrase")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Len(t, key.key, 32)

	_, err = ParseEncryptionKey("YWJj")
	assert.Error(t, err, "valid base64 of the wrong length")

	key, err = ParseEncryptionKey("")
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestLoadEncryptionKey_FromEnv(t *testing.T) {
	t.Setenv(KeyEnv, "")
	key, err := LoadEncryptionKey()
	require.NoError(t, err)
	assert.Nil(t, key)

	t.Setenv(KeyEnv, "my-secret-passphrase")
	key, err = LoadEncryptionKey()
	require.NoError(t, err)
	require.NotNil(t, key)

	sealed, err := key.Encrypt([]byte("test data"))
	require.NoError(t, err)
	opened, err := key.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("test data"), opened)
}
