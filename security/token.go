// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/timebridge-io/timebridge/lib/codec"
)

// TokenType tags a token with its use. The tag is signed along with
// the rest of the payload, so a device token can never pass session
// verification or vice versa.
type TokenType string

const (
	// TokenDevice authenticates a terminal or the agent acting for one.
	TokenDevice TokenType = "device"
	// TokenSession authenticates an operator session.
	TokenSession TokenType = "session"
)

// signatureSize is the fixed Ed25519 signature length appended to the
// CBOR payload.
const signatureSize = ed25519.SignatureSize

// Token is the CBOR-encoded payload of a signed identity token.
type Token struct {
	// Subject is the identity the token speaks for: a device ID for
	// device tokens, an operator ID for session tokens.
	Subject string `cbor:"1,keyasint"`

	// Type is the token's use tag, checked on verification.
	Type TokenType `cbor:"2,keyasint"`

	// ID is a unique token identifier (hex), for audit trails.
	ID string `cbor:"3,keyasint"`

	// IssuedAt and ExpiresAt are Unix seconds.
	IssuedAt  int64 `cbor:"4,keyasint"`
	ExpiresAt int64 `cbor:"5,keyasint"`
}

var (
	ErrTokenTooShort     = errors.New("security: token too short for signature")
	ErrTokenSignature    = errors.New("security: invalid token signature")
	ErrTokenExpired      = errors.New("security: token has expired")
	ErrTokenWrongType    = errors.New("security: token type does not match")
	ErrTokenEmptySubject = errors.New("security: token subject is empty")
)

// MintToken signs a token for subject with the given type and
// lifetime, returning the base64url wire form: CBOR payload followed
// by the 64-byte Ed25519 signature.
func MintToken(privateKey ed25519.PrivateKey, subject string, tokenType TokenType, lifetime time.Duration, now time.Time) (string, error) {
	if subject == "" {
		return "", ErrTokenEmptySubject
	}

	var id [8]byte
	if _, err := rand.Read(id[:]); err != nil {
		return "", fmt.Errorf("security: generating token id: %w", err)
	}

	payload, err := codec.Marshal(&Token{
		Subject:   subject,
		Type:      tokenType,
		ID:        hex.EncodeToString(id[:]),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(lifetime).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("security: encoding token payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)
	raw := make([]byte, len(payload)+signatureSize)
	copy(raw, payload)
	copy(raw[len(payload):], signature)

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// VerifyToken checks the signature, decodes the payload, and enforces
// expiry and the type tag.
func VerifyToken(publicKey ed25519.PublicKey, encoded string, wantType TokenType) (*Token, error) {
	return VerifyTokenAt(publicKey, encoded, wantType, time.Now())
}

// VerifyTokenAt is VerifyToken with an explicit time, for
// deterministic tests.
func VerifyTokenAt(publicKey ed25519.PublicKey, encoded string, wantType TokenType, now time.Time) (*Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("security: decoding token: %w", err)
	}
	if len(raw) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	split := len(raw) - signatureSize
	payload, signature := raw[:split], raw[split:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrTokenSignature
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("security: decoding token payload: %w", err)
	}

	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if token.Type != wantType {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrTokenWrongType, token.Type, wantType)
	}
	return &token, nil
}
