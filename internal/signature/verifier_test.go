package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/chowline/recon/internal/clock"
	"github.com/chowline/recon/internal/config"
	"go.uber.org/zap"
)

const testSecret = "wh_secret_1"

func newTestVerifier(t *testing.T, secret, environment string, now time.Time) (*Verifier, *clock.FakeClock) {
	t.Helper()
	fake := clock.NewFakeClock(now)
	v := NewVerifier(Params{
		Cfg: config.Config{
			WebhookSecret: secret,
			ReplayWindow:  10 * time.Minute,
			Environment:   environment,
		},
		Log:   zap.NewNop(),
		Clock: fake,
	})
	return v, fake
}

func sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%s.%s", ts, string(body))))
	return fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyValidSignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, _ := newTestVerifier(t, testSecret, "production", now)

	body := []byte(`{"id":"n1","type":"payment","data":{"id":"p1"}}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	if err := v.Verify(body, sign(testSecret, ts, body), ts); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, _ := newTestVerifier(t, testSecret, "production", now)

	body := []byte(`{"id":"n1"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	header := sign(testSecret, ts, body)

	if err := v.Verify([]byte(`{"id":"n2"}`), header, ts); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, _ := newTestVerifier(t, testSecret, "production", now)

	body := []byte(`{"id":"n1"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	if err := v.Verify(body, sign("other_secret", ts, body), ts); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyMalformedHeader(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, _ := newTestVerifier(t, testSecret, "production", now)

	for _, header := range []string{"", "v1=abc", "ts=123", "garbage"} {
		if err := v.Verify([]byte("{}"), header, "123"); !errors.Is(err, ErrMalformedSignature) {
			t.Fatalf("header %q: expected ErrMalformedSignature, got %v", header, err)
		}
	}
}

func TestVerifyTimestampMismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, _ := newTestVerifier(t, testSecret, "production", now)

	body := []byte("{}")
	ts := strconv.FormatInt(now.Unix(), 10)

	if err := v.Verify(body, sign(testSecret, ts, body), "999"); !errors.Is(err, ErrTimestampMismatch) {
		t.Fatalf("expected ErrTimestampMismatch, got %v", err)
	}
}

func TestVerifyMissingSecret(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	prod, _ := newTestVerifier(t, "", "production", now)
	if err := prod.Verify([]byte("{}"), "ts=1,v1=aa", "1"); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret in production, got %v", err)
	}

	dev, _ := newTestVerifier(t, "", "development", now)
	if err := dev.Verify([]byte("{}"), "", ""); err != nil {
		t.Fatalf("expected pass-through outside production, got %v", err)
	}
}

func TestCheckFreshness(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, _ := newTestVerifier(t, testSecret, "production", now)

	within := strconv.FormatInt(now.Add(-9*time.Minute).Unix(), 10)
	if err := v.CheckFreshness(within); err != nil {
		t.Fatalf("within window: %v", err)
	}

	old := strconv.FormatInt(now.Add(-11*time.Minute).Unix(), 10)
	if err := v.CheckFreshness(old); !errors.Is(err, ErrTooOld) {
		t.Fatalf("expected ErrTooOld, got %v", err)
	}

	future := strconv.FormatInt(now.Add(11*time.Minute).Unix(), 10)
	if err := v.CheckFreshness(future); !errors.Is(err, ErrTooFarFuture) {
		t.Fatalf("expected ErrTooFarFuture, got %v", err)
	}

	if err := v.CheckFreshness("not-a-number"); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature, got %v", err)
	}
}

func TestCheckFreshnessBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, fake := newTestVerifier(t, testSecret, "production", now)

	ts := strconv.FormatInt(now.Unix(), 10)
	fake.Advance(10 * time.Minute)
	if err := v.CheckFreshness(ts); err != nil {
		t.Fatalf("exactly at window edge should pass: %v", err)
	}

	fake.Advance(time.Second)
	if err := v.CheckFreshness(ts); !errors.Is(err, ErrTooOld) {
		t.Fatalf("expected ErrTooOld past window, got %v", err)
	}
}
