package signature

import (
	"strconv"
	"testing"
	"time"

	"github.com/patrolwire/patrolwire/internal/apperr"
)

func TestVerifyAcceptsCorrectSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"severity":"critical"}`)
	sig := Sign(body, ts, "s3cret")

	if err := Verify(body, ts, sig, "s3cret", 300, now); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign([]byte(`{"severity":"critical"}`), ts, "s3cret")

	err := Verify([]byte(`{"severity":"low"}`), ts, sig, "s3cret", 300, now)
	if apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"severity":"critical"}`)
	sig := Sign(body, ts, "s3cret")

	err := Verify(body, ts, sig, "different", 300, now)
	if apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	staleTs := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	body := []byte(`{"severity":"critical"}`)
	sig := Sign(body, staleTs, "s3cret")

	err := Verify(body, staleTs, sig, "s3cret", 300, now)
	if apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected Unauthorized for stale timestamp, got %v", err)
	}
}

func TestVerifyRejectsMissingSignaturePrefix(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	err := Verify([]byte("body"), ts, "deadbeef", "s3cret", 300, now)
	if apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected Unauthorized for missing sha256= prefix, got %v", err)
	}
}

func TestVerifyRejectsMissingTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	err := Verify([]byte("body"), "", "sha256=deadbeef", "s3cret", 300, now)
	if apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected Unauthorized for missing timestamp, got %v", err)
	}
}
