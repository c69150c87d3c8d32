package api

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/metrics"
)

const (
	requestIDKey = "X-Request-ID"
	identityKey  = "ledger.identity"

	HeaderEntityID     = "X-Entity-ID"
	HeaderEmitterID    = "X-Emitter-ID"
	HeaderEmitterClass = "X-Emitter-Class"
)

// Identity is the verified caller, as asserted by the gateway.
type Identity struct {
	EntityID string
	Emitter  domain.Emitter
}

// RequestIDMiddleware adds a request ID to the context
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDKey)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header(requestIDKey, requestID)
		c.Next()
	}
}

// CORSMiddleware allows the configured origins; "*" allows any.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowed["*"]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", "Content-Length", "Accept-Encoding", "Authorization",
			requestIDKey, "If-Match", "Idempotency-Key",
			HeaderEntityID, HeaderEmitterID, HeaderEmitterClass,
		}, ", "))
		c.Writer.Header().Set("Access-Control-Expose-Headers", "ETag, "+requestIDKey)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggingMiddleware logs API requests
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		requestID := c.GetString(requestIDKey)
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Str("request_id", requestID).
			Msg("API request")
	}
}

// MetricsMiddleware counts requests and times them.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m := metrics.Default()
		m.IncrementCounter(metrics.HTTPRequests)
		m.Since(metrics.HTTPRequestDuration, start)
		var err error
		if c.Writer.Status() >= http.StatusInternalServerError {
			err = errServerError
		}
		m.RecordOutcome(metrics.HTTPRequestDuration, err)
	}
}

var errServerError = errors.New("server error")

// IdentityMiddleware reads the caller identity from the gateway headers.
// The gateway authenticates; this service only trusts what it forwards.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityID := strings.TrimSpace(c.GetHeader(HeaderEntityID))
		emitterID := strings.TrimSpace(c.GetHeader(HeaderEmitterID))
		class, ok := domain.ParseEmitterClass(c.GetHeader(HeaderEmitterClass))
		if entityID == "" || emitterID == "" || !ok {
			WriteError(c, ErrUnauthenticated)
			return
		}
		c.Set(identityKey, Identity{
			EntityID: entityID,
			Emitter:  domain.Emitter{Class: class, ID: emitterID},
		})
		c.Next()
	}
}

func identityOf(c *gin.Context) Identity {
	id, _ := c.Get(identityKey)
	identity, _ := id.(Identity)
	return identity
}

const (
	limiterSweepEvery = time.Minute
	limiterIdleAfter  = 3 * time.Minute
)

// RateLimiter hands out one token bucket per entity. Buckets idle for longer
// than limiterIdleAfter are dropped; by then they have refilled anyway.
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rps       rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether entityID may make a request now.
func (r *RateLimiter) Allow(entityID string) bool {
	r.mu.Lock()
	now := r.now()
	if now.Sub(r.lastSweep) >= limiterSweepEvery {
		r.sweep(now)
	}
	v, ok := r.visitors[entityID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.rps, r.burst)}
		r.visitors[entityID] = v
	}
	v.lastSeen = now
	r.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// sweep drops idle buckets. r.mu must be held.
func (r *RateLimiter) sweep(now time.Time) {
	for id, v := range r.visitors {
		if now.Sub(v.lastSeen) > limiterIdleAfter {
			delete(r.visitors, id)
		}
	}
	r.lastSweep = now
}

// Middleware rejects requests over the entity's rate with RATE_LIMITED.
// It must run after IdentityMiddleware.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Allow(identityOf(c).EntityID) {
			c.Header("Retry-After", "1")
			WriteError(c, domain.ErrRateLimited)
			return
		}
		c.Next()
	}
}
