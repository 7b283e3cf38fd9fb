package api

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
)

// SignatureHeader carries the webhook payload signature.
const SignatureHeader = "X-Castline-Signature"

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrMissingSecret    = errors.New("missing webhook secret")
	ErrBadSignature     = errors.New("signature mismatch")
)

// VerifySignature checks the hex-encoded HMAC-SHA512 of body against the
// caller-supplied signature in constant time. body must be the exact bytes as
// transmitted; re-serialization would invalidate the hash. Pure — no side
// effects, nothing is persisted before this check passes.
func VerifySignature(body []byte, secret, signature string) error {
	if secret == "" {
		return ErrMissingSecret
	}
	if signature == "" {
		return ErrMissingSignature
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
