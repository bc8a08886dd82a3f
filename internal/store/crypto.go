package store

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Key sizes.
const (
	KeySize      = 32 // AES-256 key size
	saltSize     = 16 // scrypt salt, taken from the key material itself
	minSecretLen = 16 // shortest acceptable external secret
)

// scrypt parameters (interactive profile).
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ResolveKeyMaterial returns the raw key material for the store, in priority
// order: an externally supplied secret (must be at least 16 characters), a
// previously generated key persisted in keyFile, or a freshly generated
// 32-byte random key which is then written to keyFile.
func ResolveKeyMaterial(secret, keyFile string) ([]byte, error) {
	if secret != "" {
		if len(secret) < minSecretLen {
			return nil, ErrShortSecret
		}
		return []byte(secret), nil
	}

	data, err := os.ReadFile(keyFile)
	switch {
	case err == nil:
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrKeyFileFormat, keyFile)
		}
		return key, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read key file: %w", err)
	}

	// No secret and no key file: generate and persist a new key.
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// DeriveKey stretches raw key material into the fixed-length AES key via
// scrypt. The salt is the first 16 bytes of the material itself (zero padded
// when shorter) so derivation stays deterministic for a given material.
func DeriveKey(material []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	copy(salt, material)

	key, err := scrypt.Key(material, salt, scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// newAEAD builds the AES-256-GCM cipher used for all new envelopes.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return aead, nil
}

// seal encrypts plaintext into a fresh envelope. A new random IV is drawn for
// every call; IV reuse under one key is the vulnerability the v2 format
// exists to fix.
func seal(aead cipher.AEAD, plaintext []byte) (Envelope, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("generate iv: %w", err)
	}

	out := aead.Seal(nil, iv, plaintext, nil)
	// Seal appends the tag to the ciphertext; the wire form keeps them apart.
	ct := out[:len(out)-TagSize]
	tag := out[len(out)-TagSize:]

	return Envelope{IV: iv, Tag: tag, Ciphertext: ct}, nil
}

// open decrypts an envelope and verifies its authentication tag.
func open(aead cipher.AEAD, env Envelope) ([]byte, error) {
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := aead.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// openLegacy decrypts a value from the v1 format: AES-256-CBC with a fixed
// all-zero IV, PKCS#7 padding, stored as bare hex. Only the migration path
// calls this; failure means the value was never encrypted to begin with.
func openLegacy(key []byte, hexValue string) ([]byte, error) {
	ct, err := hex.DecodeString(hexValue)
	if err != nil {
		return nil, fmt.Errorf("decode legacy hex: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("legacy ciphertext length %d is not a block multiple", len(ct))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	plaintext := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ct)

	return pkcs7Unpad(plaintext)
}

// sealLegacy encrypts with the v1 scheme. It exists for tests and tooling
// that need to fabricate pre-migration stores.
func sealLegacy(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext)
	iv := make([]byte, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return hex.EncodeToString(ct), nil
}

func pkcs7Pad(data []byte) []byte {
	pad := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
