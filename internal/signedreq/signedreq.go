// Package signedreq implements the request-signing scheme the agent uses to
// authenticate itself to the tunnel server: an HMAC-SHA256 "system" level
// signature covering the opaque secret_key credential, and a derived
// "session" level signature once a session has been established. This
// mirrors agent_common::auth/rpc in the reference implementation, adapted
// from its serde/bincode envelope to a plain Go byte encoding.
package signedreq

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// MaxSignatureAgeMillis and MaxSessionAgeMillis bound the clock skew tolerated before a
// signature (or session token) is treated as expired, in milliseconds.
const (
	MaxSignatureAgeMillis = 300_000
	MaxSessionAgeMillis   = 300_000
)

// ErrInvalidSignature is returned by Verify when the HMAC does not match.
var ErrInvalidSignature = errors.New("signedreq: invalid signature")

// Key wraps the opaque secret_key credential as an HMAC-SHA256 key.
type Key struct {
	secret []byte
}

// NewKey wraps secret for signing/verification. secret is the agent's
// opaque secret_key configuration value.
func NewKey(secret []byte) Key {
	return Key{secret: append([]byte(nil), secret...)}
}

// Sign returns the 32-byte HMAC-SHA256 of data under k.
func (k Key) Sign(data []byte) [32]byte {
	mac := hmac.New(sha256.New, k.secret)
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Verify reports whether sig is the correct HMAC-SHA256 of data under k,
// using a constant-time comparison.
func (k Key) Verify(data []byte, sig [32]byte) bool {
	want := k.Sign(data)
	return hmac.Equal(want[:], sig[:])
}

// SystemSign produces the system-level signature covering
// extra ++ {account_id, timestamp} (both big-endian u64), matching
// generate_signature in the reference implementation. extra is any
// additional plain-field bytes the caller wants covered (e.g.
// AgentRegister.WritePlain minus the trailing signature).
func (k Key) SystemSign(accountID, timestamp uint64, extra []byte) [32]byte {
	buf := make([]byte, 0, len(extra)+16)
	buf = append(buf, extra...)
	buf = appendUint64(buf, accountID)
	buf = appendUint64(buf, timestamp)
	return k.Sign(buf)
}

// SessionToken is the {session_id, account_id, session_timestamp} signature
// a newly authenticated session can use to derive a per-session shared
// secret without contacting the external signing API again.
type SessionToken struct {
	SessionID        uint64
	AccountID        uint64
	SessionTimestamp uint64
	SessionSignature [32]byte
}

// NewSessionToken signs the session triple under the system key, matching
// SessionSignature::create_signature.
func NewSessionToken(k Key, accountID, sessionID, sessionTimestamp uint64) SessionToken {
	buf := make([]byte, 0, 24)
	buf = appendUint64(buf, accountID)
	buf = appendUint64(buf, sessionID)
	buf = appendUint64(buf, sessionTimestamp)
	return SessionToken{
		SessionID:        sessionID,
		AccountID:        accountID,
		SessionTimestamp: sessionTimestamp,
		SessionSignature: k.Sign(buf),
	}
}

// SharedSecret derives the per-session HMAC key from the session signature,
// matching SessionSignature::generate_session_secret: signing the session
// signature itself under the system key re-keys it into a secret that does
// not expose the system key to a holder of just the session token.
func (t SessionToken) SharedSecret(k Key) [32]byte {
	return k.Sign(t.SessionSignature[:])
}

// SignWithSession signs {account_id, request_timestamp} under the session's
// derived shared secret, matching SignedRpcRequest::new_session_signed.
func (t SessionToken) SignWithSession(k Key, requestTimestamp uint64) [32]byte {
	shared := t.SharedSecret(k)
	sessionKey := NewKey(shared[:])
	buf := make([]byte, 0, 16)
	buf = appendUint64(buf, t.AccountID)
	buf = appendUint64(buf, requestTimestamp)
	return sessionKey.Sign(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// AbsDiffMillis returns the absolute difference between two millisecond
// timestamps without risking unsigned underflow, matching abs_diff in the
// reference implementation.
func AbsDiffMillis(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// EncodeBlob hex-encodes a fully-built raw request (the bytes the external
// signing API hands back, per spec.md §4.2) for transport through
// collaborators that prefer a text-safe form (e.g. JSON API responses).
func EncodeBlob(raw []byte) string {
	return hex.EncodeToString(raw)
}

// DecodeBlob reverses EncodeBlob.
func DecodeBlob(blob string) ([]byte, error) {
	raw, err := hex.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("signedreq: invalid hex blob: %w", err)
	}
	return raw, nil
}
