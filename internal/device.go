package internal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// KeyedHash returns hex(HMAC-SHA256(key, parts joined by 0x00)). It is used
// wherever a value must be stored for correlation without keeping plaintext
// (attempted codes, backup codes, fingerprints in log keys).
func KeyedHash(key []byte, parts ...string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(mac.Sum(nil))
}
