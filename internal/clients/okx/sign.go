package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// isoTimestamp formats the signing timestamp the way the API expects:
// UTC ISO-8601 with millisecond precision and a literal Z.
func isoTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// sign produces the base64 HMAC-SHA256 signature.
// Prehash: isoTimestamp + METHOD + requestPath (path plus query, if any).
func sign(secret, timestamp, method, requestPath string) string {
	prehash := timestamp + method + requestPath
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(prehash))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
