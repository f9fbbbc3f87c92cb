package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyHMAC checks an HMAC-SHA256 signature over the raw body using the shared secret.
// The signature may carry a "sha256=" prefix.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if secret == "" || provided == "" {
		return false
	}
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(digest(secret, body), b)
}

func digest(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
