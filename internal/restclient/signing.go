package restclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Credentials is the API key pair used to sign REST requests. It is the
// same pair the private stream signs over in internal/transport, but the
// two packages sign different payloads and must not share code.
type Credentials struct {
	APIKey    string
	APISecret string
}

// signPayload computes expires and its signature for a REST request
// (spec.md §4.2): payload = METHOD + pathWithQuery + expires + bodyJson,
// signature = HMAC-SHA256(secret, payload), lowercase hex.
func signPayload(creds Credentials, skewSec int, method, pathWithQuery, bodyJSON string, now time.Time) (expires int64, signature string) {
	expires = now.Unix() + int64(skewSec)
	message := method + pathWithQuery + strconv.FormatInt(expires, 10) + bodyJSON
	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(message))
	return expires, hex.EncodeToString(mac.Sum(nil))
}
