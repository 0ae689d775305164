// Package auth implements the single-use nonce challenge a device must sign
// to prove possession of its private key.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-device-gateway/pkg/gateway"
)

const nonceBytes = 32

type nonceRecord struct {
	deviceID string
	issuedAt time.Time
}

// Verifier issues and validates nonce challenges. Every nonce is consumed
// atomically on its first verification attempt, success or failure, so no
// nonce is ever verified twice.
type Verifier struct {
	mu     sync.Mutex
	nonces map[string]nonceRecord
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewVerifier creates a verifier with the given nonce time-to-live.
func NewVerifier(ttl time.Duration, logger *slog.Logger) (*Verifier, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("nonce ttl must be positive, got %v", ttl)
	}
	return &Verifier{
		nonces: make(map[string]nonceRecord),
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "AuthChallengeVerifier"),
	}, nil
}

// GenerateNonce mints a random, unguessable challenge bound to the device and
// records it with an expiry. Expired leftovers are purged opportunistically.
func (v *Verifier) GenerateNonce(deviceID string) (string, error) {
	raw := make([]byte, nonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(raw)

	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	for n, rec := range v.nonces {
		if now.Sub(rec.issuedAt) > v.ttl {
			delete(v.nonces, n)
		}
	}
	v.nonces[nonce] = nonceRecord{deviceID: deviceID, issuedAt: now}

	v.logger.Debug("Issued nonce challenge", "device", deviceID)
	return nonce, nil
}

// Verify checks the device's ed25519 signature over a previously issued
// nonce. The nonce record is deleted on any outcome; consumption is
// unconditional, not success-conditional, which prevents replay via repeated
// failed attempts.
func (v *Verifier) Verify(deviceID, nonce string, signature []byte, publicKey ed25519.PublicKey) error {
	v.mu.Lock()
	rec, ok := v.nonces[nonce]
	delete(v.nonces, nonce)
	v.mu.Unlock()

	if !ok || rec.deviceID != deviceID {
		return gateway.ErrNonceUnknownOrReused
	}
	if v.now().Sub(rec.issuedAt) > v.ttl {
		return gateway.ErrNonceExpired
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return gateway.ErrBadSignature
	}
	if !ed25519.Verify(publicKey, []byte(nonce), signature) {
		return gateway.ErrBadSignature
	}
	return nil
}

// VerifyAccessToken validates the session-layer access token, which packs
// the nonce and its signature as base64url(nonce) + "." + base64url(sig).
// The device's public key is supplied as the base64 string held in its
// directory registration.
func (v *Verifier) VerifyAccessToken(deviceID, accessToken, publicKeyB64 string) error {
	nonce, sig, err := SplitAccessToken(accessToken)
	if err != nil {
		return err
	}

	publicKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return gateway.ErrBadSignature
	}

	return v.Verify(deviceID, nonce, sig, ed25519.PublicKey(publicKey))
}

// SplitAccessToken unpacks the nonce and signature halves of an access token.
func SplitAccessToken(accessToken string) (nonce string, signature []byte, err error) {
	for i := 0; i < len(accessToken); i++ {
		if accessToken[i] != '.' {
			continue
		}
		rawNonce, err := base64.RawURLEncoding.DecodeString(accessToken[:i])
		if err != nil {
			return "", nil, gateway.ErrBadSignature
		}
		sig, err := base64.RawURLEncoding.DecodeString(accessToken[i+1:])
		if err != nil || len(sig) != ed25519.SignatureSize {
			return "", nil, gateway.ErrBadSignature
		}
		return string(rawNonce), sig, nil
	}
	return "", nil, gateway.ErrBadSignature
}

// BuildAccessToken is the inverse of SplitAccessToken. Clients and tests use
// it to assemble the handshake token from a nonce and its signature.
func BuildAccessToken(nonce string, signature []byte) string {
	return base64.RawURLEncoding.EncodeToString([]byte(nonce)) + "." +
		base64.RawURLEncoding.EncodeToString(signature)
}
