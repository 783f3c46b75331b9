// auth.go implements HMAC request signing for the futures venue API.
//
// Every private request carries:
//   - timestamp:  milliseconds since epoch (nonce)
//   - recvWindow: validity window in milliseconds
//   - signature:  hex HMAC-SHA256 over the alphabetically sorted query string
//
// The API key travels in the X-API-KEY header; the secret never leaves the
// process. If the local clock drifts from the venue clock by more than
// recvWindow the venue rejects the request, so the client checks drift
// against the server-time endpoint on startup and surfaces ErrClockDrift.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signer produces signed query strings for private venue endpoints.
type Signer struct {
	apiKey     string
	secretKey  string
	recvWindow time.Duration
	now        func() time.Time // injectable for tests
}

// NewSigner creates a signer with the given credentials and recv window.
func NewSigner(apiKey, secretKey string, recvWindow time.Duration) *Signer {
	return &Signer{
		apiKey:     apiKey,
		secretKey:  secretKey,
		recvWindow: recvWindow,
		now:        time.Now,
	}
}

// APIKey returns the public key sent in the X-API-KEY header.
func (s *Signer) APIKey() string { return s.apiKey }

// RecvWindow returns the configured request validity window.
func (s *Signer) RecvWindow() time.Duration { return s.recvWindow }

// Sign adds timestamp, recvWindow, and signature to the given params.
// The signature is computed over the canonical (sorted, unescaped) query
// string before the signature parameter itself is appended.
func (s *Signer) Sign(params url.Values) url.Values {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))
	params.Set("signature", s.signature(params))
	return params
}

// signature computes hex HMAC-SHA256 over the sorted key=value query string.
func (s *Signer) signature(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params.Get(k))
	}

	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckDrift compares the local clock against the venue server time and
// returns ErrClockDrift when the difference exceeds recvWindow.
func (s *Signer) CheckDrift(serverTime time.Time) error {
	drift := s.now().Sub(serverTime)
	if drift < 0 {
		drift = -drift
	}
	if drift > s.recvWindow {
		return ErrClockDrift
	}
	return nil
}
