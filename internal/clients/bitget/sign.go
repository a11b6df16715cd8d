package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// sign produces the base64 HMAC-SHA256 signature for a v2 request.
// Prehash: timestamp + METHOD + requestPath (path plus sorted query, if any).
// The body is empty for GET requests.
func sign(secret, timestamp, method, requestPath string) string {
	prehash := timestamp + method + requestPath
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(prehash))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
