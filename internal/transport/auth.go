package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Credentials is the API key pair used to sign the authKeyExpires
// handshake and, separately, every REST request (internal/restclient
// reuses the same pair but signs a different payload).
type Credentials struct {
	APIKey    string
	APISecret string
}

// authPayload computes expires and its signature for the private stream's
// authKeyExpires frame (spec.md §4.1): signature =
// HMAC-SHA256(secret, "GET/realtime" + expires), lowercase hex.
func authPayload(creds Credentials, skewSec int, now time.Time) (expires int64, signature string) {
	expires = now.Unix() + int64(skewSec)
	message := "GET/realtime" + strconv.FormatInt(expires, 10)
	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(message))
	return expires, hex.EncodeToString(mac.Sum(nil))
}
