package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const (
	issuer          = "wallet-ledger"
	tokenTypeAccess = "access"
)

// Roles understood by the wallet API.
const (
	RoleUser    = "user"
	RoleService = "service"
	RoleAdmin   = "admin"
)

func knownRole(role string) bool {
	switch role {
	case RoleUser, RoleService, RoleAdmin:
		return true
	}
	return false
}

// Claims carried by an access token. OrganizationID is set when a user acts
// for an organization wallet.
type Claims struct {
	UserID         uuid.UUID `json:"user_id"`
	OrganizationID uuid.UUID `json:"organization_id,omitempty"`
	Role           string    `json:"role"`
	IsBanned       bool      `json:"is_banned"`
	Type           string    `json:"type"`
	jwt.RegisteredClaims
}

// Service signs and verifies HS256 access tokens.
type Service struct {
	secret    []byte
	accessTTL time.Duration
	parser    *jwt.Parser
}

func NewService(secret string, accessTTL time.Duration) *Service {
	return &Service{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithIssuedAt(),
		),
	}
}

// GenerateAccessToken mints a token for the given principal. Unknown roles are
// refused so a typo never produces a token nobody can authorize.
func (s *Service) GenerateAccessToken(userID, organizationID uuid.UUID, role string, isBanned bool) (string, error) {
	if !knownRole(role) {
		return "", errors.New("jwt: unknown role " + role)
	}

	now := time.Now()
	claims := Claims{
		UserID:         userID,
		OrganizationID: organizationID,
		Role:           role,
		IsBanned:       isBanned,
		Type:           tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateAccessToken returns ErrExpiredToken for expired tokens and
// ErrInvalidToken for anything else that fails verification.
func (s *Service) ValidateAccessToken(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := s.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil, !token.Valid:
		return nil, ErrInvalidToken
	}
	if claims.Type != tokenTypeAccess || !knownRole(claims.Role) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
