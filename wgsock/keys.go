package wgsock

import (
	"encoding/base64"
	"fmt"
)

// GenerateKeyPair asks the engine for a fresh private key and derives the
// matching public key. Key material is never fabricated locally; if the
// engine cannot produce a key, the error is returned as-is for the caller to
// present.
func GenerateKeyPair(e Engine) (privateKey []byte, publicKey []byte, err error) {
	privateKey, err = e.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("GenerateKeyPair: failed to generate private key: %w", err)
	}
	publicKey, err = DerivePublicKey(e, privateKey)
	if err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

// DerivePublicKey derives the public key for privateKey. Inputs that are not
// exactly KeySize bytes are rejected without calling the engine.
func DerivePublicKey(e Engine, privateKey []byte) ([]byte, error) {
	if len(privateKey) != KeySize {
		return nil, fmt.Errorf("DerivePublicKey: private key must be %d bytes, got %d", KeySize, len(privateKey))
	}
	publicKey, err := e.DerivePublicKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("DerivePublicKey: failed to derive public key: %w", err)
	}
	return publicKey, nil
}

// EncodeKey encodes key material to base64.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey decodes base64 key material. A malformed string yields an error,
// never a panic.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("DecodeKey: malformed base64 key: %w", err)
	}
	return key, nil
}
