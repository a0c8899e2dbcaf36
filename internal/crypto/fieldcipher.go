// Package crypto provides AES-256-GCM authenticated encryption for sensitive
// event fields that must be stored at rest in the database: client IP
// addresses, user agents, and the full action_details payload. The whole
// payload is treated as sensitive rather than individual sub-fields: payloads
// arrive with arbitrary structure, and deciding sensitivity per key would leak
// structure through which columns are plaintext. AES-256-GCM is chosen because
// it provides both confidentiality and authenticated integrity, so a sealed
// field cannot be silently swapped even if the database is partially
// compromised. Event hashes are computed over the plaintext canonical form
// before sealing, so chain verification works without the key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes (required for AES-256).
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when the ciphertext fails base64 decoding or is too short to contain a valid nonce.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when AES-GCM authentication or decryption fails, indicating tampering or a wrong key.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSaltTooShort is returned when the provided salt is fewer than 16 bytes, which would weaken PBKDF2 key derivation.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
)

// FieldCipher encrypts and decrypts sensitive event field data
type FieldCipher struct {
	masterKey []byte
}

// NewFieldCipher creates a cipher with a 32-byte master key
func NewFieldCipher(masterKey []byte) (*FieldCipher, error) {
	if len(masterKey) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	keyCopy := make([]byte, 32)
	copy(keyCopy, masterKey)
	return &FieldCipher{masterKey: keyCopy}, nil
}

// DeriveFieldCipher creates a cipher by deriving a key from a passphrase
func DeriveFieldCipher(passphrase string, salt []byte, iterations int) (*FieldCipher, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = 100000 // Secure default
	}
	derivedKey := pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
	return NewFieldCipher(derivedKey)
}

// Seal encrypts plaintext and returns a base64-encoded ciphertext
func (fc *FieldCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	blockCipher, err := aes.NewCipher(fc.masterKey)
	if err != nil {
		return "", err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a base64-encoded ciphertext and returns the plaintext
func (fc *FieldCipher) Open(encodedCiphertext string) (string, error) {
	if encodedCiphertext == "" {
		return "", nil
	}

	ciphertext, err := base64.URLEncoding.DecodeString(encodedCiphertext)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}

	blockCipher, err := aes.NewCipher(fc.masterKey)
	if err != nil {
		return "", err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return "", err
	}

	nonceLen := aead.NonceSize()
	if len(ciphertext) < nonceLen {
		return "", ErrCiphertextCorrupted
	}

	nonce := ciphertext[:nonceLen]
	actualCiphertext := ciphertext[nonceLen:]

	plaintext, err := aead.Open(nil, nonce, actualCiphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// SealJSON marshals v and encrypts the resulting document. Used for the
// action_details payload, which is stored only in sealed form.
func (fc *FieldCipher) SealJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return fc.Seal(string(b))
}

// OpenJSON decrypts a sealed JSON document into a generic map. An empty
// ciphertext yields a nil map.
func (fc *FieldCipher) OpenJSON(encodedCiphertext string) (map[string]interface{}, error) {
	plaintext, err := fc.Open(encodedCiphertext)
	if err != nil {
		return nil, err
	}
	if plaintext == "" {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(plaintext), &out); err != nil {
		return nil, ErrCiphertextCorrupted
	}
	return out, nil
}

// GenerateKey creates a cryptographically secure random 32-byte key
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateSalt creates a cryptographically secure random salt
func GenerateSalt(length int) ([]byte, error) {
	if length < 16 {
		length = 16
	}
	salt := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
