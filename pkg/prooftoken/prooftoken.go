// Package prooftoken issues and checks proof-of-knowledge tokens.
//
// A token is a random secret plus its one-way proof. The proof is committed on
// the ledger when a publish is requested. The secret is revealed later, on the
// artifact upload, and is the only credential the upload endpoint accepts.
package prooftoken

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
)

// SecretSize is the number of random bytes drawn per secret.
const SecretSize = 64

// ErrNoToken is returned by Current before any token was issued or computed.
var ErrNoToken = errors.New("prooftoken: no token issued")

// Token is a secret and its proof, both base64 encoded.
type Token struct {
	Secret string `json:"secret"`
	Proof  string `json:"proof"`
}

// Issuer holds the most recent token. It is safe for concurrent use.
type Issuer struct {
	mu      sync.Mutex
	entropy io.Reader
	current *Token
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithEntropy replaces crypto/rand as the secret source.
func WithEntropy(r io.Reader) Option {
	return func(i *Issuer) { i.entropy = r }
}

func NewIssuer(opts ...Option) *Issuer {
	i := &Issuer{entropy: rand.Reader}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewToken draws a fresh secret and stores the pair as the current token.
func (i *Issuer) NewToken() (Token, error) {
	buf := make([]byte, SecretSize)
	if _, err := io.ReadFull(i.entropy, buf); err != nil {
		return Token{}, fmt.Errorf("prooftoken: entropy source failed: %w", err)
	}
	tok := Token{Secret: base64.StdEncoding.EncodeToString(buf)}
	tok.Proof = Proof(tok.Secret)

	i.mu.Lock()
	i.current = &tok
	i.mu.Unlock()
	return tok, nil
}

// ComputeProof derives the proof for a secret received out of band and
// stores the pair as the current token.
func (i *Issuer) ComputeProof(secret string) Token {
	tok := Token{Secret: secret, Proof: Proof(secret)}
	i.mu.Lock()
	i.current = &tok
	i.mu.Unlock()
	return tok
}

// VerifyToken re-derives the proof of the stored secret and compares it with
// the stored proof. It reports false when nothing is stored.
func (i *Issuer) VerifyToken() bool {
	i.mu.Lock()
	cur := i.current
	i.mu.Unlock()
	if cur == nil {
		return false
	}
	return Verify(cur.Secret, cur.Proof)
}

// Current returns the stored token.
func (i *Issuer) Current() (Token, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.current == nil {
		return Token{}, ErrNoToken
	}
	return *i.current, nil
}

// Proof returns base64(SHA-512(secret)).
func Proof(secret string) string {
	sum := sha512.Sum512([]byte(secret))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Verify reports whether proof is the proof of secret. The comparison runs in
// constant time.
func Verify(secret, proof string) bool {
	expected := Proof(secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(proof)) == 1
}
