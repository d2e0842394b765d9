package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"restosync/internal/changelog"
	"restosync/internal/config"
	"restosync/internal/logger"
	pkgerrors "restosync/pkg/errors"
	"restosync/pkg/metrics"
)

const defaultMaxSkew = 5 * time.Minute

// AuthHeaders carries the signature material sent outside the body.
type AuthHeaders struct {
	Signature string
	Timestamp string
}

// Verifier checks HMAC-SHA256 signatures over "{timestamp}.{body}".
type Verifier struct {
	secret        []byte
	maxSkew       time.Duration
	permissive    bool
	trustInternal bool
	logger        logger.Logger
	now           func() time.Time
}

func NewVerifier(cfg config.WebhookConfig, log logger.Logger) *Verifier {
	skew := cfg.MaxSkew
	if skew <= 0 {
		skew = defaultMaxSkew
	}
	return &Verifier{
		secret:        []byte(cfg.Secret),
		maxSkew:       skew,
		permissive:    cfg.PermissiveSignatures,
		trustInternal: cfg.TrustInternalSource,
		logger:        log,
		now:           time.Now,
	}
}

// Sign returns the hex signature for body at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignEnvelope returns the hex signature carried inside a body. It covers
// every envelope member except signature itself:
// "{timestamp}.{source}.{event}.{data}".
func SignEnvelope(secret, timestamp string, source changelog.Source, event EventType, data []byte) string {
	return Sign(secret, timestamp, envelopeBytes(source, event, data))
}

func envelopeBytes(source changelog.Source, event EventType, data []byte) []byte {
	out := make([]byte, 0, len(source)+len(event)+len(data)+2)
	out = append(out, source...)
	out = append(out, '.')
	out = append(out, event...)
	out = append(out, '.')
	return append(out, data...)
}

// Verify authenticates p. Header credentials sign the raw request body;
// credentials inside the body sign source, event and the raw data member.
// system_internal skips the check only when the verifier trusts it. In
// permissive mode a failure is logged and counted but the request proceeds.
func (v *Verifier) Verify(ctx context.Context, p *Payload, body []byte, h AuthHeaders) error {
	if p.Source == changelog.SourceSystemInternal && v.trustInternal {
		return nil
	}

	sig, ts, signed := h.Signature, h.Timestamp, body
	if sig == "" {
		sig, ts, signed = p.Signature, p.Timestamp, envelopeBytes(p.Source, p.Event, p.rawData)
	}

	reason := v.check(sig, ts, signed)
	if reason == "" {
		return nil
	}

	metrics.IncWebhookAuthFailure(reason, !v.permissive)
	if v.permissive {
		v.logger.WarnwCtx(ctx, "Webhook signature check failed, accepting in permissive mode",
			"reason", reason,
			"source", p.Source,
			"event", p.Event,
		)
		return nil
	}
	return pkgerrors.ErrAuthenticationFailed.WithDetail("reason", reason)
}

func (v *Verifier) check(sig, ts string, signed []byte) string {
	if len(v.secret) == 0 {
		return "secret_not_configured"
	}
	if sig == "" || ts == "" {
		return "missing_signature"
	}
	at, ok := parseTimestamp(ts)
	if !ok {
		return "invalid_timestamp"
	}
	delta := v.now().Sub(at)
	if delta < 0 {
		delta = -delta
	}
	if delta > v.maxSkew {
		return "timestamp_out_of_window"
	}
	expected := Sign(string(v.secret), ts, signed)
	if !hmac.Equal([]byte(strings.ToLower(strings.TrimPrefix(sig, "sha256="))), []byte(expected)) {
		return "signature_mismatch"
	}
	return ""
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func parseTimestamp(ts string) (time.Time, bool) {
	if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t, true
	}
	return time.Time{}, false
}
