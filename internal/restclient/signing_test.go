package restclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

func TestSignPayload(t *testing.T) {
	t.Parallel()

	creds := Credentials{APIKey: "k1", APISecret: "s3cr3t"}
	now := time.Unix(1_700_000_000, 0)
	skew := 5

	expires, sig := signPayload(creds, skew, "POST", "/api/v1/order", `{"symbol":"XBTUSD"}`, now)

	wantExpires := now.Unix() + int64(skew)
	if expires != wantExpires {
		t.Errorf("expires = %d, want %d", expires, wantExpires)
	}

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte("POST/api/v1/order" + strconv.FormatInt(wantExpires, 10) + `{"symbol":"XBTUSD"}`))
	want := hex.EncodeToString(mac.Sum(nil))

	if sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}
}

func TestSignPayloadDiffersFromWSAuth(t *testing.T) {
	t.Parallel()

	// Same secret, same expires, but REST signs method+path+expires+body
	// for a real order placement rather than the WS "GET/realtime"+expires
	// scheme, so the two must never collide.
	creds := Credentials{APIKey: "k1", APISecret: "s3cr3t"}
	now := time.Unix(1_700_000_000, 0)

	_, restSig := signPayload(creds, 60, "POST", "/api/v1/order", `{"symbol":"XBTUSD"}`, now)

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(now.Unix()+60, 10)))
	wsSig := hex.EncodeToString(mac.Sum(nil))

	if restSig == wsSig {
		t.Fatalf("REST signature accidentally matches WS auth signature scheme")
	}
}
