package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

const secretBytes = 32

// Signer computes keyed MACs over outbound payloads.
type Signer struct {
	newHash func() hash.Hash
}

// NewSigner returns a Signer using newHash as the HMAC primitive; nil selects SHA-256.
func NewSigner(newHash func() hash.Hash) *Signer {
	if newHash == nil {
		newHash = sha256.New
	}
	return &Signer{newHash: newHash}
}

// Sign returns the lower-case hex HMAC of payload under secret.
func (s *Signer) Sign(payload []byte, secret string) string {
	mac := hmac.New(s.hash(), []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it byte for byte, in constant
// time, against the lower-case hex form Sign produces.
func (s *Signer) Verify(payload []byte, signature string, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := s.Sign(payload, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (s *Signer) hash() func() hash.Hash {
	if s == nil || s.newHash == nil {
		return sha256.New
	}
	return s.newHash
}

// GenerateSecret returns 32 random bytes, hex encoded.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
