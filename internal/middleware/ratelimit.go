package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/keyfold/keyfold/internal/ratelimit"
	"github.com/keyfold/keyfold/pkg/errors"
	"github.com/keyfold/keyfold/pkg/logger"
	"github.com/keyfold/keyfold/pkg/metrics"
	"github.com/keyfold/keyfold/pkg/response"
)

// RuleFunc resolves the rule for the current request, so routes can apply
// tenant-configured brute-force limits instead of a fixed constant.
type RuleFunc func(c *gin.Context) ratelimit.Rule

// StaticRule wraps a fixed rule.
func StaticRule(rule ratelimit.Rule) RuleFunc {
	return func(*gin.Context) ratelimit.Rule { return rule }
}

// RateLimit guards a route with fixed-window counting. The identity is the
// authenticated user when present, the client IP otherwise. Rejections carry
// a Retry-After hint in milliseconds.
func RateLimit(limiter *ratelimit.Limiter, route string, rules RuleFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.ClientIP()
		if userID := c.GetString(CtxUserIDKey); userID != "" {
			identity = userID
		}

		decision, err := limiter.Allow(c.Request.Context(), identity, route, rules(c))
		if err != nil {
			// Fail closed: a broken limiter must not open the route.
			logger.WithModule("ratelimit").Error("limiter failure",
				zap.String("route", route), zap.Error(err))
			response.Error(c, errors.ErrInternalServer.WithInternal(err))
			c.Abort()
			return
		}

		if !decision.Allowed {
			metrics.RateLimitRejections.WithLabelValues(route).Inc()
			response.Error(c, errors.ErrRateLimited.WithRetryAfter(decision.RetryAfter))
			c.Abort()
			return
		}

		c.Next()
	}
}
