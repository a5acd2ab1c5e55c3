// Package crypto provides the symmetric field codec used to keep loader SQL
// and source-database passwords encrypted at rest in the control-plane DB.
//
// Algorithm: AES-256-GCM with a random 96-bit IV per encryption and a
// 128-bit auth tag. Wire format: base64(IV || ciphertext || tag).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/etlmon/backend/internal/core"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // 96-bit IV

	// Passphrase stretching parameters. The salt is fixed per application:
	// the codec must be deterministic across replicas sharing one key.
	pbkdf2Iterations = 4096
)

var pbkdf2Salt = []byte("etlmon-field-codec-v1")

// FieldCodec encrypts and decrypts individual DB fields.
type FieldCodec struct {
	aead cipher.AEAD
}

// NewFieldCodec builds a codec from key material. The material may be a
// 64-char hex string, a base64 string decoding to 32 bytes, or an arbitrary
// passphrase which is stretched with PBKDF2-SHA256.
func NewFieldCodec(keyMaterial string) (*FieldCodec, error) {
	if keyMaterial == "" {
		return nil, core.Errf(core.CodeEncryption, "encryption key material is required")
	}

	key := deriveKey(keyMaterial)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, core.WrapErr(core.CodeEncryption, err, "build AES cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, core.WrapErr(core.CodeEncryption, err, "build GCM")
	}
	return &FieldCodec{aead: aead}, nil
}

// deriveKey turns arbitrary key material into exactly 32 key bytes.
func deriveKey(material string) []byte {
	if raw, err := hex.DecodeString(material); err == nil && len(raw) == keySize {
		return raw
	}
	if raw, err := base64.StdEncoding.DecodeString(material); err == nil && len(raw) == keySize {
		return raw
	}
	return pbkdf2.Key([]byte(material), pbkdf2Salt, pbkdf2Iterations, keySize, sha256.New)
}

// Encrypt returns the opaque at-rest representation of plaintext. Empty
// input round-trips as empty.
func (c *FieldCodec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", core.WrapErr(core.CodeEncryption, err, "generate IV")
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	out := make([]byte, 0, nonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Failure is fatal to the calling operation; there
// is deliberately no "might be plaintext" fallback.
func (c *FieldCodec) Decrypt(opaque string) (string, error) {
	if opaque == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return "", core.WrapErr(core.CodeEncryption, err, "decode ciphertext")
	}
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", core.WrapErr(core.CodeEncryption, errors.New("ciphertext too short"), "decode ciphertext")
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", core.WrapErr(core.CodeEncryption, fmt.Errorf("auth failed: %w", err), "decrypt field")
	}
	return string(plain), nil
}
