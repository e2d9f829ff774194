package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

// Service seals secrets at rest with AES-256-GCM and derives HMAC blind
// indexes so encrypted columns stay searchable by exact value. The two keys
// must be independent: one leaking must not weaken the other.
type Service struct {
	aead          cipher.AEAD
	blindIndexKey []byte
}

func New(encryptionKey, blindIndexKey []byte) (*Service, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	if len(blindIndexKey) != 32 {
		return nil, errors.New("blind index key must be 32 bytes")
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Service{aead: aead, blindIndexKey: blindIndexKey}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext). Empty
// input stays empty so optional columns round-trip as-is.
func (s *Service) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *Service) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// BlindIndex derives a deterministic HMAC-SHA256 tag for equality lookups on
// an encrypted column without revealing the plaintext.
func (s *Service) BlindIndex(plaintext string) string {
	if plaintext == "" {
		return ""
	}
	h := hmac.New(sha256.New, s.blindIndexKey)
	h.Write([]byte(plaintext))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// SealIndexed seals the plaintext and returns its blind index alongside.
func (s *Service) SealIndexed(plaintext string) (sealed, blindIndex string, err error) {
	sealed, err = s.Seal(plaintext)
	if err != nil {
		return "", "", err
	}
	return sealed, s.BlindIndex(plaintext), nil
}
