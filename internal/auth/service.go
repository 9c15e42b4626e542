package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrEmptyOperator = errors.New("operator name is required")
)

const defaultTokenTTL = 24 * time.Hour

// ResolveSecret returns value, or an ephemeral random secret when value is
// empty. Tokens signed with an ephemeral secret die with the process.
func ResolveSecret(name, value string) (string, error) {
	if secret := strings.TrimSpace(value); secret != "" {
		return secret, nil
	}
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate %s fallback: %w", name, err)
	}
	log.Printf("%s is not set; using ephemeral in-memory fallback secret", name)
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Service issues and validates operator tokens. Operators are the people or
// schedulers allowed to trigger acquisitions.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(secret string, ttl time.Duration) (*Service, error) {
	resolved, err := ResolveSecret("JWT_SECRET", secret)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Service{secret: []byte(resolved), ttl: ttl, now: time.Now}, nil
}

// IssueToken signs an HS256 token whose subject is the operator name.
func (s *Service) IssueToken(operator string) (string, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", ErrEmptyOperator
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   operator,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken returns the operator named by a valid token.
func (s *Service) ValidateToken(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
