package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
)

// SignatureHeader carries the gateway's HMAC over the raw request body.
const SignatureHeader = "X-Gateway-Signature"

// ErrBadSignature signals the webhook body does not match its signature.
var ErrBadSignature = errors.New("gateway: invalid webhook signature")

// VerifySignature checks the hex-encoded HMAC-SHA512 of body against header.
// Verification must happen on the raw bytes before any JSON decoding.
func VerifySignature(secret string, body []byte, header string) error {
	if header == "" {
		return ErrBadSignature
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(header)) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the signature the gateway would attach to body. Exposed for
// tests and for the local gateway simulator.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
