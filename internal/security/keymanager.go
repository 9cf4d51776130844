package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/amirk1998/authsession/pkg/errors"
)

const keySalt = "authsession/credential-store"

// KeyManager derives independent keys for the credential store from one secret
type KeyManager struct {
	databaseKey []byte
	fieldKey    []byte
}

// NewKeyManager derives the database and field keys from secret
func NewKeyManager(secret string) (*KeyManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("%w: secret must be at least 32 characters", errors.ErrInvalidKey)
	}

	databaseKey, err := deriveKey(secret, "sqlcipher-page-key")
	if err != nil {
		return nil, err
	}

	fieldKey, err := deriveKey(secret, "field-aes-gcm")
	if err != nil {
		return nil, err
	}

	return &KeyManager{
		databaseKey: databaseKey,
		fieldKey:    fieldKey,
	}, nil
}

// DatabaseKey returns the raw SQLCipher key in the x'..' hex form accepted by PRAGMA key
func (km *KeyManager) DatabaseKey() string {
	return fmt.Sprintf("x'%s'", hex.EncodeToString(km.databaseKey))
}

// FieldKey returns the AES-256 key used for per-value encryption
func (km *KeyManager) FieldKey() []byte {
	return km.fieldKey
}

// deriveKey expands a 32-byte key for purpose with HKDF-SHA256
func deriveKey(secret, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), []byte(keySalt), []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}
