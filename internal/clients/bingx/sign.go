package bingx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
)

// sign produces the hex HMAC-SHA256 of the key-sorted query string. The
// params must already include timestamp and apiKey; the returned signature
// is appended to the same query as the `signature` parameter.
func sign(secret string, params url.Values) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}
