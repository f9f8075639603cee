package webhooks

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Request headers set on every delivery
const (
	HeaderSignature = "X-NetForge-Signature"
	HeaderEvent     = "X-NetForge-Event"
	HeaderEventID   = "X-NetForge-Event-ID"
	HeaderDelivery  = "X-NetForge-Delivery"
	HeaderTimestamp = "X-NetForge-Timestamp"

	userAgent       = "NetForge-Webhooks/1.0"
	signaturePrefix = "sha256="
	secretPrefix    = "whsec_"
)

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body keyed with secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against body. Receivers written in
// Go can use it directly.
func Verify(body []byte, secret, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// GenerateSecret returns a new random signing secret
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return secretPrefix + hex.EncodeToString(b), nil
}
