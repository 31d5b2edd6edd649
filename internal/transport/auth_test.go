package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

func TestAuthPayloadSignature(t *testing.T) {
	t.Parallel()

	creds := Credentials{APIKey: "k1", APISecret: "s3cr3t"}
	now := time.Unix(1_700_000_000, 0)
	skew := 60

	expires, sig := authPayload(creds, skew, now)

	wantExpires := now.Unix() + int64(skew)
	if expires != wantExpires {
		t.Errorf("expires = %d, want %d", expires, wantExpires)
	}

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(wantExpires, 10)))
	want := hex.EncodeToString(mac.Sum(nil))

	if sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}
}

func TestAuthPayloadDeterministic(t *testing.T) {
	t.Parallel()

	creds := Credentials{APIKey: "k1", APISecret: "s3cr3t"}
	now := time.Unix(1_700_000_000, 0)

	e1, s1 := authPayload(creds, 60, now)
	e2, s2 := authPayload(creds, 60, now)

	if e1 != e2 || s1 != s2 {
		t.Errorf("authPayload should be deterministic for identical inputs")
	}
}
