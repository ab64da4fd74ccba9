package audit

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Sealer encrypts original text before it reaches the audit store. A nil
// *Sealer seals nothing.
type Sealer struct {
	key [32]byte
}

// NewSealer returns nil when key is nil.
func NewSealer(key *[32]byte) *Sealer {
	if key == nil {
		return nil
	}
	return &Sealer{key: *key}
}

// Seal returns base64(nonce || secretbox). It returns "" for a nil sealer.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil {
		return "", nil
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(box), nil
}

func (s *Sealer) Open(sealed string) (string, error) {
	if s == nil {
		return "", errors.New("no seal key configured")
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding sealed text: %w", err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", errors.New("sealed text too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", errors.New("sealed text failed authentication")
	}
	return string(out), nil
}
