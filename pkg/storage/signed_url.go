package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignedURLSigner creates and validates expiring artifact download tokens.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SignedURLSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Generate returns a token binding a request id to an artifact location.
func (s *SignedURLSigner) Generate(requestID, location string) (string, time.Time, error) {
	if requestID == "" || location == "" {
		return "", time.Time{}, fmt.Errorf("requestID and location required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl)
	ts := strconv.FormatInt(expiresAt.Unix(), 10)
	encodedLocation := base64.RawURLEncoding.EncodeToString([]byte(location))
	token := strings.Join([]string{requestID, ts, encodedLocation, s.sign(requestID, ts, encodedLocation)}, ".")
	return token, expiresAt, nil
}

// Parse validates a token and returns the embedded request id and location.
func (s *SignedURLSigner) Parse(token string) (requestID, location string, expiresAt time.Time, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return "", "", time.Time{}, fmt.Errorf("invalid token format")
	}
	requestID, ts, encodedLocation, signature := parts[0], parts[1], parts[2], parts[3]

	expected := s.sign(requestID, ts, encodedLocation)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return "", "", time.Time{}, fmt.Errorf("invalid token signature")
	}

	expUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("invalid timestamp")
	}
	expiresAt = time.Unix(expUnix, 0)
	if s.now().After(expiresAt) {
		return "", "", time.Time{}, fmt.Errorf("token expired")
	}

	raw, err := base64.RawURLEncoding.DecodeString(encodedLocation)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode location: %w", err)
	}
	return requestID, string(raw), expiresAt, nil
}

func (s *SignedURLSigner) sign(requestID, ts, encodedLocation string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(requestID + "|" + ts + "|" + encodedLocation))
	return hex.EncodeToString(mac.Sum(nil))
}
