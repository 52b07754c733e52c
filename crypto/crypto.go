// Package crypto protects exchange credentials at rest. Values are stored as
// ENC:v1:<nonce>:<ciphertext> sealed with AES-GCM under DATA_ENCRYPTION_KEY.
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
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	storagePrefix    = "ENC:v1:"
	storageDelimiter = ":"
)

// ErrNoKey an encrypted value was found but no data key is configured
var ErrNoKey = errors.New("data encryption key not configured")

// SecretBox seals and opens credential strings
type SecretBox struct {
	dataKey []byte
}

// NewSecretBox derives the AES key from a base64, hex or free-form key string.
// An empty key gives a box that can only pass plaintext through.
func NewSecretBox(key string) *SecretBox {
	key = strings.TrimSpace(key)
	if key == "" {
		return &SecretBox{}
	}
	if k, ok := decodePossibleKey(key); ok {
		return &SecretBox{dataKey: k}
	}
	return &SecretBox{dataKey: derivePassphraseKey(key)}
}

// derivePassphraseKey stretches a free-form passphrase into an AES-256 key
func derivePassphraseKey(passphrase string) []byte {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(passphrase), []byte("gridbot"), []byte("credentials/v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		sum := sha256.Sum256([]byte(passphrase))
		return sum[:]
	}
	return key
}

// decodePossibleKey tries the encodings a key may come in
func decodePossibleKey(value string) ([]byte, bool) {
	// hex first: a hex string is usually valid base64 as well
	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
	}
	for _, decoder := range decoders {
		if decoded, err := decoder(value); err == nil {
			if key, ok := normalizeAESKey(decoded); ok {
				return key, true
			}
		}
	}
	return nil, false
}

func normalizeAESKey(raw []byte) ([]byte, bool) {
	switch len(raw) {
	case 16, 24, 32:
		return raw, true
	case 0:
		return nil, false
	default:
		sum := sha256.Sum256(raw)
		return sum[:], true
	}
}

// HasKey reports whether a data key is configured
func (b *SecretBox) HasKey() bool {
	return len(b.dataKey) > 0
}

// IsEncrypted reports whether value carries the storage prefix
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, storagePrefix)
}

func (b *SecretBox) gcm() (cipher.AEAD, error) {
	if !b.HasKey() {
		return nil, ErrNoKey
	}
	block, err := aes.NewCipher(b.dataKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext; aadParts bind the value to its context (e.g. the
// exchange and field name)
func (b *SecretBox) Encrypt(plaintext string, aadParts ...string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}
	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), composeAAD(aadParts))
	return storagePrefix +
		base64.StdEncoding.EncodeToString(nonce) + storageDelimiter +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a value produced by Encrypt
func (b *SecretBox) Decrypt(value string, aadParts ...string) (string, error) {
	if value == "" {
		return "", nil
	}
	if !IsEncrypted(value) {
		return "", errors.New("value is not encrypted")
	}
	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	parts := strings.SplitN(strings.TrimPrefix(value, storagePrefix), storageDelimiter, 2)
	if len(parts) != 2 {
		return "", errors.New("invalid encrypted value format")
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("invalid nonce length: want %d, got %d", gcm.NonceSize(), len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, composeAAD(aadParts))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Reveal returns plaintext values unchanged and decrypts sealed ones
func (b *SecretBox) Reveal(value string, aadParts ...string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	return b.Decrypt(value, aadParts...)
}

func composeAAD(parts []string) []byte {
	if len(parts) == 0 {
		return nil
	}
	return []byte(strings.Join(parts, "|"))
}

// GenerateDataKey returns a random base64-encoded 32-byte key
func GenerateDataKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
