package httpsig

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxSignatureAge bounds how old a signed Date header may be. Requests signed
// outside the window are rejected even if the signature itself checks out.
const maxSignatureAge = 12 * time.Hour

// KeySource supplies public keys for verification. RefreshPublicKey bypasses
// the cache; the verifier calls it at most once per verification to absorb
// silent remote key rotation.
type KeySource interface {
	PublicKeyFor(ctx context.Context, actorURL string) (*rsa.PublicKey, error)
	RefreshPublicKey(ctx context.Context, actorURL string) (*rsa.PublicKey, error)
}

// Verifier checks incoming federation requests against the sender's
// published key. Every failure path returns ok=false rather than an error:
// rejecting a request is an ordinary outcome, and verification fails closed.
type Verifier struct {
	keys   KeySource
	logger *slog.Logger
	now    func() time.Time
}

// NewVerifier creates a Verifier backed by the given key source.
func NewVerifier(keys KeySource, logger *slog.Logger) *Verifier {
	return &Verifier{
		keys:   keys,
		logger: logger,
		now:    time.Now,
	}
}

// Verify checks the request's Signature header against its own headers and
// the given body bytes. On success it returns the actor URL derived from the
// signature's keyId.
func (v *Verifier) Verify(ctx context.Context, req *http.Request, body []byte) (string, bool) {
	sig, err := parseSignatureHeader(req.Header.Get("Signature"))
	if err != nil {
		v.logger.Info("rejecting request with bad signature header", "error", err)
		return "", false
	}

	if sig.headers != SignedHeaders {
		v.logger.Info("rejecting signature with unexpected header set", "headers", sig.headers)
		return "", false
	}

	date := req.Header.Get("Date")
	if !v.dateWithinWindow(date) {
		v.logger.Info("rejecting signature outside time window", "date", date)
		return "", false
	}

	digest := req.Header.Get("Digest")
	if subtle.ConstantTimeCompare([]byte(digest), []byte(Digest(body))) != 1 {
		v.logger.Info("rejecting request with digest mismatch")
		return "", false
	}

	// keyId points at the actor document, optionally with a key fragment.
	actorURL, _, _ := strings.Cut(sig.keyID, "#")
	if actorURL == "" {
		v.logger.Info("rejecting signature with empty keyId")
		return "", false
	}

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	signingString := SigningString(req.Method, req.URL.RequestURI(), host, date, digest, req.Header.Get("Content-Type"))
	hashed := sha256.Sum256([]byte(signingString))

	key, err := v.keys.PublicKeyFor(ctx, actorURL)
	if err != nil {
		v.logger.Info("could not resolve signing key", "actor", actorURL, "error", err)
		return "", false
	}

	if rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], sig.signature) == nil {
		return actorURL, true
	}

	// The cached key may be stale after a remote key rotation. Re-fetch once
	// and retry; never more than once per verification.
	key, err = v.keys.RefreshPublicKey(ctx, actorURL)
	if err != nil {
		v.logger.Info("could not refresh signing key", "actor", actorURL, "error", err)
		return "", false
	}
	if rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], sig.signature) == nil {
		return actorURL, true
	}

	v.logger.Info("signature verification failed", "actor", actorURL)
	return "", false
}

func (v *Verifier) dateWithinWindow(date string) bool {
	if date == "" {
		return false
	}
	signed, err := http.ParseTime(date)
	if err != nil {
		return false
	}
	age := v.now().Sub(signed)
	if age < 0 {
		age = -age
	}
	return age <= maxSignatureAge
}

// signatureHeader is the transient, per-request structure parsed from the
// Signature header. It is consumed once per verification, never persisted.
type signatureHeader struct {
	keyID     string
	algorithm string
	headers   string
	signature []byte
}

// parseSignatureHeader splits a Signature header of the form
// key1="value1",key2="value2",... and decodes the signature bytes.
func parseSignatureHeader(header string) (*signatureHeader, error) {
	if header == "" {
		return nil, fmt.Errorf("missing Signature header")
	}

	parsed := &signatureHeader{}
	for _, part := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("malformed signature parameter %q", part)
		}
		value = strings.Trim(value, `"`)
		switch name {
		case "keyId":
			parsed.keyID = value
		case "algorithm":
			parsed.algorithm = value
		case "headers":
			parsed.headers = value
		case "signature":
			sig, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return nil, fmt.Errorf("decode signature: %w", err)
			}
			parsed.signature = sig
		}
	}

	if parsed.keyID == "" || len(parsed.signature) == 0 {
		return nil, fmt.Errorf("signature header missing keyId or signature")
	}
	if parsed.algorithm != "" && parsed.algorithm != "rsa-sha256" {
		return nil, fmt.Errorf("unsupported signature algorithm %q", parsed.algorithm)
	}
	return parsed, nil
}
