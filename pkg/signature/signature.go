// Package signature implements component D: HMAC-SHA-256 webhook
// signature verification. Standard library only — see DESIGN.md for the
// justification.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/patrolwire/patrolwire/internal/apperr"
)

// Verify checks body against the X-Signature/X-Timestamp headers using
// secret, per spec §4.D. skewSeconds bounds how far timestamp may drift
// from now. Both a stale timestamp and a bad signature fail identically
// with Unauthorized — the response body never distinguishes the two.
func Verify(body []byte, timestampHeader, signatureHeader, secret string, skewSeconds int, now time.Time) error {
	ts, err := parseTimestamp(timestampHeader)
	if err != nil {
		return apperr.New(apperr.Unauthorized, "invalid or missing signature")
	}

	delta := now.Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	if delta > int64(skewSeconds) {
		return apperr.New(apperr.Unauthorized, "invalid or missing signature")
	}

	want, ok := strings.CutPrefix(signatureHeader, "sha256=")
	if !ok {
		return apperr.New(apperr.Unauthorized, "invalid or missing signature")
	}
	wantBytes, err := hex.DecodeString(want)
	if err != nil {
		return apperr.New(apperr.Unauthorized, "invalid or missing signature")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestampHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	got := mac.Sum(nil)

	if !hmac.Equal(got, wantBytes) {
		return apperr.New(apperr.Unauthorized, "invalid or missing signature")
	}
	return nil
}

// Sign computes the X-Signature header value for body at timestampHeader,
// used by tests and by any first-party caller needing to emit a correctly
// signed request.
func Sign(body []byte, timestampHeader, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestampHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func parseTimestamp(raw string) (int64, error) {
	var ts int64
	if raw == "" {
		return 0, fmt.Errorf("missing timestamp")
	}
	_, err := fmt.Sscanf(raw, "%d", &ts)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp: %w", err)
	}
	return ts, nil
}
