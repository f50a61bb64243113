package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSignature is returned when a payload signature does not verify.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// SignaturePrefix marks the algorithm in the signature header value.
const SignaturePrefix = "sha256="

// SignatureHeader carries the signature on inbound webhook requests.
const SignatureHeader = "X-Signature"

// Signer provides HMAC-SHA256 signing and verification of JSON payloads using a
// shared secret. Payloads are canonicalized first, so key order and whitespace do
// not change the signature.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer with the given secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Canonical re-encodes a JSON document with sorted object keys and no
// insignificant whitespace. Numbers keep their original text.
func Canonical(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode payload: trailing data")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns the prefixed hex HMAC of the canonical payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	canonical, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks signature against payload in constant time. The prefix is optional.
func (s *Signer) Verify(payload []byte, signature string) error {
	if len(s.secret) == 0 {
		return fmt.Errorf("%w: no secret configured", ErrInvalidSignature)
	}
	expected, err := s.Sign(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !strings.HasPrefix(signature, SignaturePrefix) {
		signature = SignaturePrefix + signature
	}
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrInvalidSignature
	}
	return nil
}
