package authkit

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"math/rand/v2"
	"strings"
	"sync"
)

// ErrMalformedSessionToken indicates a cookie value that is not a 128-bit decimal number.
var ErrMalformedSessionToken = errors.New("session_token.malformed")

var maxSessionToken = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// SessionToken is an opaque 128-bit session identifier, big-endian.
type SessionToken [16]byte

// String renders the token as its unsigned decimal value, the cookie format.
func (token SessionToken) String() string {
	return new(big.Int).SetBytes(token[:]).String()
}

// ParseSessionToken decodes the decimal cookie form of a token.
func ParseSessionToken(raw string) (SessionToken, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionToken{}, fmt.Errorf("session_token.parse: empty: %w", ErrMalformedSessionToken)
	}
	for _, character := range trimmed {
		if character < '0' || character > '9' {
			return SessionToken{}, fmt.Errorf("session_token.parse: non-decimal: %w", ErrMalformedSessionToken)
		}
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Cmp(maxSessionToken) > 0 {
		return SessionToken{}, fmt.Errorf("session_token.parse: out of range: %w", ErrMalformedSessionToken)
	}
	var token SessionToken
	value.FillBytes(token[:])
	return token, nil
}

// TokenSource produces session tokens.
type TokenSource interface {
	NewSessionToken() SessionToken
}

// TokenGenerator draws tokens from a ChaCha8 stream seeded once from the OS.
// Draws are serialized by a mutex.
type TokenGenerator struct {
	mutex  sync.Mutex
	source *rand.ChaCha8
}

// NewTokenGenerator seeds a generator from crypto/rand.
func NewTokenGenerator() (*TokenGenerator, error) {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("session_token.seed: %w", err)
	}
	return NewSeededTokenGenerator(seed), nil
}

// NewSeededTokenGenerator builds a deterministic generator for tests.
func NewSeededTokenGenerator(seed [32]byte) *TokenGenerator {
	return &TokenGenerator{source: rand.NewChaCha8(seed)}
}

// NewSessionToken returns the next 128 bits of the stream.
func (generator *TokenGenerator) NewSessionToken() SessionToken {
	generator.mutex.Lock()
	defer generator.mutex.Unlock()
	var token SessionToken
	binary.BigEndian.PutUint64(token[:8], generator.source.Uint64())
	binary.BigEndian.PutUint64(token[8:], generator.source.Uint64())
	return token
}
