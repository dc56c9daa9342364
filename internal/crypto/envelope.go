// Package crypto seals gateway transaction references for storage.
//
// Two keys are derived from one master key with HKDF: an AES-256-GCM key for the
// reversible ciphertext and an HMAC-SHA256 key for the lookup digest. The digest
// lets the store index a reference without ever holding its plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	encryptionInfo = "listing-payment/tx-ref/aes-gcm"
	digestInfo     = "listing-payment/tx-ref/hmac"
	keySize        = 32
)

// ErrInvalidCiphertext is returned by Decrypt for input that was not produced by
// Encrypt under the current key.
var ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")

type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	Digest(plaintext string) string
}

type Envelope struct {
	aead   cipher.AEAD
	macKey []byte
}

var _ Cipher = (*Envelope)(nil)

func NewEnvelope(masterKey []byte) (*Envelope, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("crypto: master key must be %d bytes, got %d", keySize, len(masterKey))
	}

	encKey, err := deriveKey(masterKey, encryptionInfo)
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(masterKey, digestInfo)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: init gcm: %w", err)
	}

	return &Envelope{aead: gcm, macKey: macKey}, nil
}

// NewEnvelopeFromHex accepts the 64-character hex form used in configuration.
func NewEnvelopeFromHex(hexKey string) (*Envelope, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.New("crypto: invalid encryption key format")
	}
	return NewEnvelope(key)
}

func deriveKey(master []byte, info string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("crypto: derive %s: %w", info, err)
	}
	return key, nil
}

// Encrypt returns base64(nonce || sealed). Every call uses a fresh nonce.
func (e *Envelope) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: read nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Envelope) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize+e.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := e.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// Digest is a deterministic keyed hash of plaintext, hex encoded.
func (e *Envelope) Digest(plaintext string) string {
	mac := hmac.New(sha256.New, e.macKey)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}
