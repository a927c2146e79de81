// Package auth turns bearer tokens from the external identity provider into
// role-carrying principals. Sign-in flows live outside this service; only
// validation (and issuance, for tests and tooling) happens here.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute

	// RoleStudent may reach only its own subject.
	RoleStudent = "student"
	// RoleAdmin may reach any subject and run privileged lifecycle operations.
	RoleAdmin = "admin"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errUnknownRole          = errors.New("unknown role claim")
)

// Principal is a validated caller identity.
type Principal struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the principal holds the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type roleClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenManagerConfig configures the HMAC token manager.
type TokenManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenManager validates identity-provider JWTs and can issue them for
// tooling and tests.
type TokenManager struct {
	config TokenManagerConfig
	clock  func() time.Time
}

// NewTokenManager constructs a TokenManager with sane defaults.
func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenManager{
		config: TokenManagerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueToken produces a signed JWT for the given user and role together with
// its expiry in seconds.
func (m *TokenManager) IssueToken(_ context.Context, userID, role string) (string, int64, error) {
	if len(m.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if userID == "" {
		return "", 0, errMissingSubjectClaim
	}
	if role != RoleStudent && role != RoleAdmin {
		return "", 0, fmt.Errorf("%w: %q", errUnknownRole, role)
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.config.TokenTTL).UTC()

	claims := roleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.config.Issuer,
			Audience:  []string{m.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the JWT is well formed and returns its principal.
// Tokens without a role claim default to student.
func (m *TokenManager) ValidateToken(tokenString string) (Principal, error) {
	if len(m.config.SigningSecret) == 0 {
		return Principal{}, errMissingSigningSecret
	}

	claims := &roleClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return m.config.SigningSecret, nil
		},
		jwt.WithAudience(m.config.Audience),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errMissingSubjectClaim
	}

	role := claims.Role
	switch role {
	case "":
		role = RoleStudent
	case RoleStudent, RoleAdmin:
	default:
		return Principal{}, fmt.Errorf("%w: %q", errUnknownRole, role)
	}

	return Principal{UserID: claims.Subject, Role: role}, nil
}
