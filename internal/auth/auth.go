// Package auth protects the status API with a single operator account:
// a bcrypt password hash from configuration and short-lived JWT access
// tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"futures-trading-engine/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const DefaultAccessTokenDuration = 15 * time.Minute

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

// Claims is the operator token payload.
type Claims struct {
	jwt.RegisteredClaims
}

// Service issues and validates operator tokens.
type Service struct {
	secret        []byte
	passwordHash  string
	tokenDuration time.Duration
	enabled       bool
}

// NewService creates an auth service from configuration.
func NewService(cfg config.AuthConfig) (*Service, error) {
	if !cfg.Enabled {
		return &Service{enabled: false}, nil
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("auth enabled but jwt_secret is empty")
	}
	if cfg.OperatorPasswordHash == "" {
		return nil, fmt.Errorf("auth enabled but operator_password_hash is empty")
	}
	duration := cfg.AccessTokenDuration
	if duration <= 0 {
		duration = DefaultAccessTokenDuration
	}
	return &Service{
		secret:        []byte(cfg.JWTSecret),
		passwordHash:  cfg.OperatorPasswordHash,
		tokenDuration: duration,
		enabled:       true,
	}, nil
}

// IsEnabled reports whether authentication is active.
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// Login verifies the operator password and issues an access token.
func (s *Service) Login(password string) (string, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenDuration)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "futures-trading-engine",
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks an access token's signature and expiry.
func (s *Service) ValidateToken(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// HashPassword produces a bcrypt hash suitable for the config file.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// Middleware rejects requests without a valid bearer token. A disabled
// service passes everything through.
func Middleware(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.enabled {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization header format",
			})
			return
		}

		if err := s.ValidateToken(parts[1]); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		c.Next()
	}
}
