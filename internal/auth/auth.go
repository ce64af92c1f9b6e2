package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-orderbook/internal/config"
	"github.com/ksred/klear-orderbook/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// PermissionWrite allows mutating order books and submitting items.
const PermissionWrite = "orderbook:write"

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the token grants permission
func (c *Claims) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
	// map[APIKey]APISecret
	apiCredentials map[string]string
}

// NewService creates an authentication service and registers the configured
// API key pair, if any.
func NewService(cfg config.AuthConfig) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s := &Service{
		jwtSecret:      []byte(cfg.JWTSecret),
		tokenTTL:       ttl,
		now:            time.Now,
		apiCredentials: make(map[string]string),
	}
	if cfg.APIKey != "" {
		s.RegisterAPICredentials(cfg.APIKey, cfg.APISecret)
	}
	return s
}

// GenerateToken generates a JWT token for valid API credentials
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.validateCredentials(creds) {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(s.tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    creds.APIKey, // Using API key as client ID for simplicity
		Permissions: []string{PermissionWrite},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	log.Info().Str("client_id", claims.ClientID).Time("expires_at", expiration).Msg("token issued")
	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.ClientID != "" {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (s *Service) validateCredentials(creds Credentials) bool {
	secret, exists := s.apiCredentials[creds.APIKey]
	return exists && creds.APIKey != "" && secret == creds.APISecret
}

// RegisterAPICredentials registers an API key pair
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string) {
	s.apiCredentials[apiKey] = apiSecret
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
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

// GetClientID extracts the client ID from token claims
// Returns empty string if client ID is not found or invalid
func GetClientID(claims interface{}) string {
	switch c := claims.(type) {
	case *Claims:
		return c.ClientID
	case jwt.MapClaims:
		if clientID, ok := c["client_id"].(string); ok {
			return clientID
		}
	}
	return ""
}
