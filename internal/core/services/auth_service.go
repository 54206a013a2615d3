package services

import (
	"errors"
	"time"

	"callmesh/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// AuthService verifies bearer tokens minted by the external identity
// service. Issuing is only used by tooling and tests.
type AuthService interface {
	GenerateToken(userID domain.UserID, displayName string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	issuer         string
	accessTokenTTL time.Duration
}

func NewAuthService(jwtSecret, issuer string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		issuer:         issuer,
		accessTokenTTL: accessTokenTTL,
	}
}

func (s *authService) GenerateToken(userID domain.UserID, displayName string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	// tokens from the identity service may only carry sub
	if claims.UserID == "" {
		claims.UserID = domain.UserID(claims.Subject)
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
