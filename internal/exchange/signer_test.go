package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSignCoversEncodedQuery(t *testing.T) {
	t.Parallel()
	s := NewSigner("key", "secret")

	params := url.Values{}
	params.Set("symbol", "SOLUSDT")
	params.Set("side", "SELL")
	params.Set("quantity", "1.4")

	signed := s.Sign(params)

	query, sig, ok := strings.Cut(signed, "&signature=")
	if !ok {
		t.Fatalf("signed query missing signature: %q", signed)
	}
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(sig))
	}

	// The signature must cover the query exactly as transmitted.
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(query))
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("signature = %s, want %s", sig, want)
	}

	for _, field := range []string{"timestamp=", "recvWindow=5000", "symbol=SOLUSDT"} {
		if !strings.Contains(query, field) {
			t.Errorf("query missing %q: %s", field, query)
		}
	}
}

func TestTimestampUsesServerOffset(t *testing.T) {
	t.Parallel()
	s := NewSigner("key", "secret")

	// Pretend the venue clock is one minute ahead.
	s.SetServerTime(time.Now().Add(time.Minute).UnixMilli())

	diff := s.Timestamp() - time.Now().UnixMilli()
	if diff < 55_000 || diff > 65_000 {
		t.Errorf("timestamp offset = %dms, want ~60000ms", diff)
	}
}

func TestIsVenueCode(t *testing.T) {
	t.Parallel()

	err := &VenueError{Code: CodeUnknownOrder, Message: "Unknown order sent."}
	if !IsVenueCode(err, CodeUnknownOrder) {
		t.Error("should match -2011")
	}
	if IsVenueCode(err, CodeWouldTriggerNow) {
		t.Error("should not match -2021")
	}
	if IsVenueCode(ErrVenueUnavailable, CodeUnknownOrder) {
		t.Error("sentinel is not a VenueError")
	}
}
