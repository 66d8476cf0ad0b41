package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"github.com/smallbiznis/payflow/internal/settings/domain"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = 1
	keyInfo         = "payflow/integration-settings/v1"
)

type encryptedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type sealer struct {
	aead cipher.AEAD
}

// newSealer derives an AES-256 key from secret. An empty secret yields a nil
// sealer, which refuses to store secrets.
func newSealer(secret string) (*sealer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: gcm}, nil
}

func (s *sealer) seal(plaintext, additional string) (string, error) {
	if s == nil {
		return "", domain.ErrEncryptionKeyMissing
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := s.aead.Seal(nil, nonce, []byte(plaintext), []byte(additional))
	out, err := json.Marshal(encryptedPayload{
		Version:    envelopeVersion,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// open reverses seal. The setting key is bound as additional data so an
// envelope cannot be replayed under another key.
func (s *sealer) open(envelope, additional string) (string, error) {
	if s == nil {
		return "", domain.ErrEncryptionKeyMissing
	}
	var payload encryptedPayload
	if err := json.Unmarshal([]byte(envelope), &payload); err != nil || payload.Version != envelopeVersion {
		return "", domain.ErrDecryptFailed
	}
	nonce, err := base64.RawStdEncoding.DecodeString(payload.Nonce)
	if err != nil || len(nonce) != s.aead.NonceSize() {
		return "", domain.ErrDecryptFailed
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", domain.ErrDecryptFailed
	}
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(additional))
	if err != nil {
		return "", domain.ErrDecryptFailed
	}
	return string(plaintext), nil
}
