// Package auth issues and verifies the operator tokens that guard mutating
// ops API endpoints.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/klear-trader/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid operator credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

const (
	tokenTTL       = 24 * time.Hour
	PermissionHalt = "halt"
)

// Credentials is the operator key pair from the api config section
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	SessionID   string   `json:"session_id"`
	Permissions []string `json:"permissions"`
}

// Can reports whether the token grants permission p
func (c *Claims) Can(p string) bool {
	for _, have := range c.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Service signs HS256 tokens for a single operator credential
type Service struct {
	jwtSecret []byte
	apiKey    string
	apiSecret string
	sessionID string
	now       func() time.Time
}

func NewService(jwtSecret, apiKey, apiSecret, sessionID string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		sessionID: sessionID,
		now:       time.Now,
	}
}

// GenerateToken returns a 24h token for valid operator credentials
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.validateCredentials(creds) {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   creds.APIKey,
		},
		ClientID:    creds.APIKey,
		SessionID:   s.sessionID,
		Permissions: []string{PermissionHalt},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}
	return &TokenResponse{Token: signed, Expiration: expiration}, nil
}

// ValidateToken checks signature, expiry and signing method
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// validateCredentials fails closed when no operator credential is configured
func (s *Service) validateCredentials(creds Credentials) bool {
	if s.apiKey == "" || s.apiSecret == "" {
		return false
	}
	keyOK := subtle.ConstantTimeCompare([]byte(creds.APIKey), []byte(s.apiKey)) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(creds.APISecret), []byte(s.apiSecret)) == 1
	return keyOK && secretOK
}

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GenerateTokenHandler exchanges operator credentials for a JWT
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// ClaimsFrom returns the claims the JWT middleware stored on the context
func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get("claims")
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// JWTAuth requires a valid bearer token and stores its claims on the context
func (s *Service) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Split(c.GetHeader("Authorization"), " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := s.ValidateToken(parts[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}
