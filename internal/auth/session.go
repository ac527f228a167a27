package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultSessionTTL is how long a session token stays valid.
const DefaultSessionTTL = 24 * time.Hour

var (
	ErrMalformedToken = errors.New("invalid session format")
	ErrBadSignature   = errors.New("invalid signature")
	ErrExpired        = errors.New("session expired")
)

// Sessions signs and verifies bearer session tokens of the form
// "base64(participantID:expiry).base64(hmac)".
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// SignSession creates a session token for participantID.
func (s *Sessions) SignSession(participantID string) string {
	expiry := s.now().Add(s.ttl).Unix()
	value := participantID + ":" + strconv.FormatInt(expiry, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(value)) + "." +
		base64.RawURLEncoding.EncodeToString(s.sign(value))
}

// VerifySession checks the token and returns the participant id it carries.
func (s *Sessions) VerifySession(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", ErrMalformedToken
	}

	valueBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.Wrap(ErrMalformedToken, "value encoding")
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.Wrap(ErrMalformedToken, "signature encoding")
	}

	value := string(valueBytes)
	if !hmac.Equal(signature, s.sign(value)) {
		return "", ErrBadSignature
	}

	i := strings.LastIndex(value, ":")
	if i <= 0 {
		return "", ErrMalformedToken
	}
	expiry, err := strconv.ParseInt(value[i+1:], 10, 64)
	if err != nil {
		return "", errors.Wrap(ErrMalformedToken, "expiry")
	}
	if s.now().Unix() > expiry {
		return "", ErrExpired
	}
	return value[:i], nil
}

func (s *Sessions) sign(value string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}
