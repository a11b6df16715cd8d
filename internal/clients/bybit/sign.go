package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const recvWindow = "20000"

// sign produces the hex HMAC-SHA256 signature for a v5 GET request.
// Prehash: timestamp + apiKey + recvWindow + sorted query string.
func sign(secret, timestamp, apiKey, queryString string) string {
	payload := timestamp + apiKey + recvWindow + queryString
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
