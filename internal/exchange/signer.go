package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// Signer produces the authentication material for signed venue requests.
//
// Every signed request carries a millisecond timestamp and an HMAC-SHA256
// signature (hex) computed over the urlencoded query string, keyed with the
// API secret. The timestamp is local time plus a server offset refreshed
// from the venue clock, so signatures stay inside the recvWindow even when
// the local clock drifts.
type Signer struct {
	apiKey string
	secret []byte

	// serverOffsetMs = serverTime - localTime, updated by SyncClock.
	serverOffsetMs atomic.Int64
}

const recvWindowMs = 5000

// NewSigner creates a Signer for the given API credentials.
func NewSigner(apiKey, apiSecret string) *Signer {
	return &Signer{apiKey: apiKey, secret: []byte(apiSecret)}
}

// APIKey returns the value for the X-MBX-APIKEY header.
func (s *Signer) APIKey() string { return s.apiKey }

// SetServerTime records the venue clock so subsequent signatures use the
// adjusted timestamp. serverTimeMs is the venue's epoch milliseconds.
func (s *Signer) SetServerTime(serverTimeMs int64) {
	s.serverOffsetMs.Store(serverTimeMs - time.Now().UnixMilli())
}

// Timestamp returns the current venue-adjusted epoch milliseconds.
func (s *Signer) Timestamp() int64 {
	return time.Now().UnixMilli() + s.serverOffsetMs.Load()
}

// Sign adds timestamp, recvWindow, and signature to params and returns the
// final query string ready to send. The signature covers the encoded query
// exactly as transmitted.
func (s *Signer) Sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(s.Timestamp(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindowMs))

	query := params.Encode()
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(query))
	sig := hex.EncodeToString(mac.Sum(nil))

	return query + "&signature=" + sig
}
