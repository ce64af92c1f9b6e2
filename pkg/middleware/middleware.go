package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-orderbook/internal/auth"
	"github.com/ksred/klear-orderbook/internal/config"
	"github.com/ksred/klear-orderbook/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client and route.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	authLimit  rate.Limit
	writeLimit rate.Limit
	readLimit  rate.Limit
	burst      int
	idle       time.Duration
}

func perMinute(n float64) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n / 60.0)
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		visitors:   make(map[string]*visitor),
		authLimit:  perMinute(cfg.AuthPerMinute),
		writeLimit: perMinute(cfg.WritePerMinute),
		readLimit:  perMinute(cfg.ReadPerMinute),
		burst:      burst,
		idle:       3 * time.Minute,
	}
}

func (r *RateLimiter) limitFor(method, path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return r.authLimit
	case method != http.MethodGet && method != http.MethodHead:
		return r.writeLimit
	default:
		return r.readLimit
	}
}

func (r *RateLimiter) getLimiter(method, path, clientIP string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := clientIP + ":" + method + ":" + path
	v, exists := r.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(r.limitFor(method, path), r.burst)}
		r.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Run drops idle visitors every minute until ctx is done.
func (r *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cleanup(time.Now())
		}
	}
}

func (r *RateLimiter) cleanup(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idle {
			delete(r.visitors, key)
		}
	}
}

// Middleware rejects requests over budget with 429. Budgets are kept per
// client IP, method and route.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := r.getLimiter(c.Request.Method, c.FullPath(), c.ClientIP())
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator checks bearer tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// JWTAuth requires a valid bearer token carrying permission and stores its
// claims in the context under "claims" and the client id under "clientID".
func JWTAuth(validator TokenValidator, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if !claims.HasPermission(permission) {
			response.Forbidden(c, "Missing permission: "+permission)
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}
