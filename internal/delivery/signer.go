package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSignatureHeader = "X-Jobhook-Signature" // sha256=<hex>
	DefaultTimestampHeader = "X-Jobhook-Timestamp" // unix seconds
)

var (
	ErrMissingSignature  = errors.New("missing signature headers")
	ErrBadTimestamp      = errors.New("invalid signature timestamp")
	ErrStaleSignature    = errors.New("signature timestamp outside leeway")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Signer adds an HMAC-SHA256 signature over body||timestamp to outbound requests.
type Signer struct {
	secret          []byte
	SignatureHeader string
	TimestampHeader string
	Now             func() time.Time
}

func NewSigner(secret, sigHeader, tsHeader string) *Signer {
	if sigHeader == "" {
		sigHeader = DefaultSignatureHeader
	}
	if tsHeader == "" {
		tsHeader = DefaultTimestampHeader
	}
	return &Signer{
		secret:          []byte(secret),
		SignatureHeader: sigHeader,
		TimestampHeader: tsHeader,
		Now:             time.Now,
	}
}

func (s *Signer) Sign(req *http.Request, body []byte) {
	ts := strconv.FormatInt(s.Now().Unix(), 10)
	req.Header.Set(s.TimestampHeader, ts)
	req.Header.Set(s.SignatureHeader, Signature(s.secret, body, ts))
}

// Signature returns "sha256=" + hex(hmac(secret, body||ts)).
func Signature(secret, body []byte, ts string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(ts))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Signer.Sign, rejecting timestamps
// further than leeway from now.
func Verify(secret, body []byte, ts, sig string, leeway time.Duration, now time.Time) error {
	if ts == "" || sig == "" {
		return ErrMissingSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}
	skew := now.Unix() - unix
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(leeway.Seconds()) {
		return ErrStaleSignature
	}
	want := Signature(secret, body, ts)
	if !hmac.Equal([]byte(strings.TrimSpace(sig)), []byte(want)) {
		return ErrSignatureMismatch
	}
	return nil
}
