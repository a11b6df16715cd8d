package kucoin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// sign produces the KC-API-SIGN header value: base64 HMAC-SHA256 of
// timestamp + method + endpoint (query string included).
func sign(secret, timestamp, method, endpoint string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + endpoint))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signPassphrase produces the KC-API-PASSPHRASE header value. With API key
// version 2 the passphrase itself is HMAC-signed with the secret.
func signPassphrase(secret, passphrase string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(passphrase))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
