package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/amirk1998/authsession/pkg/errors"
)

// sealedPrefix marks values produced by FieldEncryptor.Seal
const sealedPrefix = "v1:"

type FieldEncryptor struct {
	gcm cipher.AEAD
}

// NewFieldEncryptor creates a new field encryptor with AES-256-GCM
func NewFieldEncryptor(key []byte) (*FieldEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes for AES-256", errors.ErrInvalidKey)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &FieldEncryptor{gcm: gcm}, nil
}

// Seal encrypts a stored value. The entry name is bound as associated data so a
// ciphertext copied under another name fails to open.
func (fe *FieldEncryptor) Seal(name, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	// Generate nonce (number used once)
	nonce := make([]byte, fe.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: failed to generate nonce: %v", errors.ErrEncryptionFailed, err)
	}

	ciphertext := fe.gcm.Seal(nonce, nonce, []byte(plaintext), []byte(name))

	return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal for the same entry name
func (fe *FieldEncryptor) Open(name, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	if len(sealed) < len(sealedPrefix) || sealed[:len(sealedPrefix)] != sealedPrefix {
		return "", fmt.Errorf("%w: unknown value format", errors.ErrDecryptionFailed)
	}

	data, err := base64.StdEncoding.DecodeString(sealed[len(sealedPrefix):])
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode ciphertext: %v", errors.ErrDecryptionFailed, err)
	}

	// Extract nonce
	nonceSize := fe.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", errors.ErrDecryptionFailed)
	}

	nonce, encryptedData := data[:nonceSize], data[nonceSize:]

	plaintext, err := fe.gcm.Open(nil, nonce, encryptedData, []byte(name))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}
