package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SignHMACSHA256 returns the hex HMAC-SHA256 of body under key.
func SignHMACSHA256(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256 checks a hex signature of body against every key, so that
// secrets can be rotated without dropping notifications.
func VerifyHMACSHA256(body []byte, signature string, keys []string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	matched := false
	for _, key := range keys {
		if key == "" {
			continue
		}
		expected := SignHMACSHA256(body, key)
		if hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
			matched = true
		}
	}
	return matched
}

// VerifyToken compares a shared-secret header value against the accepted tokens
// in constant time.
func VerifyToken(got string, tokens []string) bool {
	if got == "" {
		return false
	}
	matched := false
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
			matched = true
		}
	}
	return matched
}
