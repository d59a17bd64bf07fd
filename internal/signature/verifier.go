package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chowline/recon/internal/clock"
	"github.com/chowline/recon/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrMissingSecret      = errors.New("webhook secret not configured")
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrTimestampMismatch  = errors.New("signature timestamp mismatch")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrTooOld             = errors.New("notification timestamp too old")
	ErrTooFarFuture       = errors.New("notification timestamp too far in the future")
)

// Module provides the webhook signature verifier.
var Module = fx.Module("signature",
	fx.Provide(NewVerifier),
)

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock
}

// Verifier checks webhook authenticity via HMAC-SHA256 and guards
// against replayed deliveries outside the freshness window.
type Verifier struct {
	secret       string
	replayWindow time.Duration
	production   bool
	clock        clock.Clock
	log          *zap.Logger
}

func NewVerifier(p Params) *Verifier {
	return &Verifier{
		secret:       p.Cfg.WebhookSecret,
		replayWindow: p.Cfg.ReplayWindow,
		production:   p.Cfg.IsProduction(),
		clock:        p.Clock,
		log:          p.Log.Named("signature"),
	}
}

// Verify validates signatureHeader (format "ts=<unix>,v1=<hex>") against
// HMAC-SHA256("{timestamp}.{rawBody}") with the shared secret.
// timestampHeader is the caller-supplied timestamp and must equal the
// ts component declared inside the header.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string, timestampHeader string) error {
	if v.secret == "" {
		if v.production {
			return ErrMissingSecret
		}
		v.log.Warn("webhook secret not configured, skipping signature verification")
		return nil
	}

	ts, digest, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}
	if strings.TrimSpace(timestampHeader) != ts {
		return ErrTimestampMismatch
	}

	signedPayload := fmt.Sprintf("%s.%s", ts, string(rawBody))
	mac := hmac.New(sha256.New, []byte(v.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(digest), []byte(expected)) {
		return ErrSignatureInvalid
	}
	return nil
}

// CheckFreshness rejects timestamps outside the replay window on either side.
func (v *Verifier) CheckFreshness(timestamp string) error {
	unix, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return ErrMalformedSignature
	}

	now := v.clock.Now()
	declared := time.Unix(unix, 0).UTC()
	if now.Sub(declared) > v.replayWindow {
		return ErrTooOld
	}
	if declared.Sub(now) > v.replayWindow {
		return ErrTooFarFuture
	}
	return nil
}

func parseSignatureHeader(header string) (string, string, error) {
	var timestamp, digest string
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "ts":
			timestamp = value
		case "v1":
			digest = value
		}
	}
	if timestamp == "" || digest == "" {
		return "", "", ErrMalformedSignature
	}
	return timestamp, digest, nil
}
