package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"gitea.jw6.us/james/outlookcal/internal/auth/oauth"
)

const sealInfo = "outlookcal token record v1"

// Sealer encrypts token records at rest with XChaCha20-Poly1305.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from the session secret.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("sealer: empty secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init sealing cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns nonce || ciphertext for rec. The session id is bound as
// additional data so a sealed record cannot be moved to another session.
func (s *Sealer) Seal(sessionID string, rec oauth.Record) ([]byte, error) {
	plain, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode token record: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, []byte(sessionID)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sessionID string, sealed []byte) (oauth.Record, error) {
	var rec oauth.Record
	if len(sealed) < s.aead.NonceSize() {
		return rec, ErrCorruptSession
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(sessionID))
	if err != nil {
		return rec, ErrCorruptSession
	}
	if err := json.Unmarshal(plain, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	return rec, nil
}
