// Package webhook signs and verifies agent request bodies.
//
// A signature header has the form "t=<unix seconds>,v1=<hex>", where the hex
// value is HMAC-SHA256 over "<t>.<body>" keyed by the shared secret.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
)

// Header carries the signature on agent requests.
const Header = "X-Conductor-Signature"

// DefaultTolerance is the maximum accepted clock skew between signer and verifier.
const DefaultTolerance = 300 * time.Second

var (
	ErrMissingSignature   = domain.NewError(domain.CodeHMACVerificationFailed, "missing signature")
	ErrMalformedSignature = domain.NewError(domain.CodeHMACVerificationFailed, "malformed signature header")
	ErrSignatureMismatch  = domain.NewError(domain.CodeHMACVerificationFailed, "signature mismatch")
	ErrTimestampSkew      = domain.NewError(domain.CodeHMACVerificationFailed, "signature timestamp outside tolerance")
)

type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier returns a verifier for secret. An empty secret disables
// verification entirely.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
}

// SetClock overrides the verifier's time source.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Verify checks header against payload. It is a no-op when no secret is set.
func (v *Verifier) Verify(header string, payload []byte) error {
	if !v.Enabled() {
		return nil
	}
	if header == "" {
		return ErrMissingSignature
	}
	ts, sig, err := parseHeader(header)
	if err != nil {
		return err
	}

	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return ErrTimestampSkew
	}

	if !hmac.Equal(sig, mac(v.secret, ts, payload)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign produces a header value for payload at time at.
func Sign(secret string, at time.Time, payload []byte) string {
	ts := at.Unix()
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(mac([]byte(secret), ts, payload))
}

func mac(secret []byte, ts int64, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte("."))
	h.Write(payload)
	return h.Sum(nil)
}

func parseHeader(header string) (int64, []byte, error) {
	var (
		ts     int64
		sig    []byte
		haveTS bool
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, ErrMalformedSignature
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, ErrMalformedSignature
			}
			ts, haveTS = n, true
		case "v1":
			b, err := hex.DecodeString(value)
			if err != nil || len(b) != sha256.Size {
				return 0, nil, ErrMalformedSignature
			}
			sig = b
		}
	}
	if !haveTS || sig == nil {
		return 0, nil, ErrMalformedSignature
	}
	return ts, sig, nil
}
