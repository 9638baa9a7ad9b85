// Package signature authenticates webhook bodies with HMAC-SHA256.
//
// The sender computes hex(HMAC-SHA256(secret, body)) over the exact bytes it sends and puts
// it in the X-Signature header, optionally prefixed with "sha256=".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// HeaderName is the request header carrying the signature.
const HeaderName = "X-Signature"

const prefix = "sha256="

var (
	// ErrUnauthorized is wrapped by every verification failure.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMissingSecret is returned when no secret is configured. Nothing can be verified.
	ErrMissingSecret = fmt.Errorf("%w: webhook secret not configured", ErrUnauthorized)

	// ErrMissingSignature is returned when the request carries no signature.
	ErrMissingSignature = fmt.Errorf("%w: missing signature", ErrUnauthorized)

	// ErrMalformedSignature is returned when the signature is not a hex SHA-256 digest.
	ErrMalformedSignature = fmt.Errorf("%w: malformed signature", ErrUnauthorized)

	// ErrSignatureMismatch is returned when the signature does not match the body.
	ErrSignatureMismatch = fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
)

// Verifier checks body signatures against one shared secret. Safe for concurrent use.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. An empty secret yields a verifier that rejects everything
// with ErrMissingSecret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign returns the hex-encoded HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body in constant time.
func (v *Verifier) Verify(body []byte, signature string) error {
	if len(v.secret) == 0 {
		return ErrMissingSecret
	}

	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}

	if len(signature) > len(prefix) && strings.EqualFold(signature[:len(prefix)], prefix) {
		signature = signature[len(prefix):]
	}

	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return ErrMalformedSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)

	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}

	return nil
}
