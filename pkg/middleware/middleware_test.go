package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-orderbook/internal/auth"
	"github.com/ksred/klear-orderbook/internal/config"
)

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := auth.NewService(config.AuthConfig{JWTSecret: "s", TokenTTL: time.Hour, APIKey: "client-1", APISecret: "pw"})
	token, err := svc.GenerateToken(auth.Credentials{APIKey: "client-1", APISecret: "pw"})
	require.NoError(t, err)

	router := gin.New()
	router.GET("/protected", JWTAuth(svc, auth.PermissionWrite), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("clientID"))
	})

	readOnly, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		ClientID: "client-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("s"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"token without write permission", "Bearer " + readOnly, http.StatusForbidden},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token.Token, http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"valid token", "Bearer " + token.Token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			require.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				require.Equal(t, "client-1", w.Body.String())
			}
		})
	}
}

func TestRateLimitReturns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRateLimiter(config.RateLimitConfig{
		AuthPerMinute:  1,
		WritePerMinute: 1,
		ReadPerMinute:  0, // unlimited
		Burst:          2,
	})

	router := gin.New()
	router.Use(limiter.Middleware())
	router.POST("/api/v1/orderBooks", func(c *gin.Context) { c.Status(http.StatusCreated) })
	router.GET("/api/v1/orderBooks", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/orderBooks", nil))
		codes = append(codes, w.Code)
	}
	require.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orderBooks", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	limiter := NewRateLimiter(config.RateLimitConfig{Burst: 1})
	limiter.getLimiter(http.MethodGet, "/a", "1.2.3.4")
	limiter.getLimiter(http.MethodGet, "/b", "1.2.3.4")

	limiter.cleanup(time.Now())
	require.Len(t, limiter.visitors, 2)

	limiter.cleanup(time.Now().Add(10 * time.Minute))
	require.Empty(t, limiter.visitors)
}

func TestRateLimitIsPerClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRateLimiter(config.RateLimitConfig{WritePerMinute: 1, Burst: 1})

	router := gin.New()
	router.Use(limiter.Middleware())
	router.POST("/api/v1/orderBooks", func(c *gin.Context) { c.Status(http.StatusCreated) })

	send := func(remoteAddr string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orderBooks", nil)
		req.RemoteAddr = remoteAddr
		router.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusCreated, send("10.0.0.1:1234"))
	require.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:5678"))
	require.Equal(t, http.StatusCreated, send("10.0.0.2:1234"))
	require.Len(t, limiter.visitors, 2)
}
