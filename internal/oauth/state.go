package oauth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const stateIssuer = "accessdesk-oauth"

// ErrInvalidState indicates the state parameter failed validation.
var ErrInvalidState = errors.New("invalid oauth state")

// StateClaims bind an authorization round trip to one platform and actor.
type StateClaims struct {
	PlatformKey string `json:"pk"`
	jwt.RegisteredClaims
}

// StateSigner issues and verifies HS256 state tokens.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateSigner returns a signer; secret must not be empty.
func NewStateSigner(secret []byte, ttl time.Duration) (*StateSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("oauth state secret is not configured")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be greater than zero")
	}
	return &StateSigner{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Sign issues a state token for platformKey on behalf of actor.
func (s *StateSigner) Sign(platformKey, actor string) (string, error) {
	now := s.now().UTC()
	claims := StateClaims{
		PlatformKey: platformKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateIssuer,
			Subject:   actor,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Parse verifies token and checks it was issued for platformKey.
func (s *StateSigner) Parse(token, platformKey string) (*StateClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidState
	}
	parsed, err := jwt.ParseWithClaims(token, &StateClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidState
		}
		return s.secret, nil
	},
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidState
	}
	claims, ok := parsed.Claims.(*StateClaims)
	if !ok || !parsed.Valid || claims.PlatformKey != platformKey {
		return nil, ErrInvalidState
	}
	return claims, nil
}
