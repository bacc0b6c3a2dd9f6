package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

// errBadSignature is the only verification error, whatever the cause.
var errBadSignature = errors.New("webhook verification failed")

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(mac(body, secret))
}

// verify checks header, either "sha256=<hex>" or bare hex, against the
// HMAC-SHA256 of body in constant time.
func verify(body []byte, header, secret string) error {
	if secret == "" || header == "" {
		return errBadSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return errBadSignature
	}
	if subtle.ConstantTimeCompare(mac(body, secret), got) != 1 {
		return errBadSignature
	}
	return nil
}

func mac(body []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return h.Sum(nil)
}
