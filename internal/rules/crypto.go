// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"golang.org/x/crypto/argon2"

	"grimm.is/tunwall/internal/errors"
)

// Feed key derivation parameters (Argon2id).
const (
	KeyLen     = 32
	ArgonTime  = 1
	ArgonMem   = 64 * 1024 // KiB
	ArgonLanes = 4
)

var ErrDecrypt = errors.New(errors.KindPermission, "rule feed payload failed authentication")

// DeriveKey derives the AES-256 feed key from a shared passphrase and salt.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, ArgonTime, ArgonMem, ArgonLanes, KeyLen)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "feed key")
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext as nonce || ciphertext || tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "generate nonce")
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(key, data []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(data) < n+gcm.Overhead() {
		return nil, errors.Wrapf(ErrDecrypt, errors.KindPermission, "payload is %d bytes", len(data))
	}
	plaintext, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
