package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/app"
	iauth "github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/handlers"
	"github.com/keyfold/keyfold/internal/middleware"
	"github.com/keyfold/keyfold/internal/ratelimit"
	"github.com/keyfold/keyfold/internal/services"
)

// Deps bundles the long-lived services the router wires into handlers.
type Deps struct {
	DB      *gorm.DB
	Gateway *iauth.Gateway
	Resets  *iauth.ResetService
	Orgs    *services.OrgService
	Limiter *ratelimit.Limiter
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(cfg *app.Config, deps Deps) (*gin.Engine, error) {
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("config must be provided")
	case deps.DB == nil:
		return nil, fmt.Errorf("database handle must be provided")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("auth gateway must be provided")
	case deps.Resets == nil:
		return nil, fmt.Errorf("reset service must be provided")
	case deps.Orgs == nil:
		return nil, fmt.Errorf("org service must be provided")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("rate limiter must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	if cfg.Monitoring.Health.Enabled {
		r.GET("/health", handlers.Health(deps.DB))
	}
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	authHandler := handlers.NewAuthHandler(deps.Gateway, deps.Resets, cfg.Server.Environment)

	loginRule := orgAwareRule(deps.Orgs, toRule(cfg.RateLimit.Login))
	resetRule := middleware.StaticRule(toRule(cfg.RateLimit.Reset))
	mfaRule := middleware.StaticRule(toRule(cfg.RateLimit.MFA))

	// Public auth routes
	auth := r.Group("/api/auth")
	{
		auth.POST("/login",
			middleware.RateLimit(deps.Limiter, "auth.login", loginRule),
			authHandler.Login)
		auth.POST("/reset-password",
			middleware.RateLimit(deps.Limiter, "auth.reset", resetRule),
			authHandler.RequestReset)
		auth.POST("/reset-password/complete",
			middleware.RateLimit(deps.Limiter, "auth.reset", resetRule),
			authHandler.CompleteReset)
	}

	// MFA challenge and enrollment: reachable while the session still
	// awaits verification.
	pending := r.Group("/api/auth")
	pending.Use(middleware.AuthMFAPending(deps.Gateway))
	{
		pending.POST("/mfa",
			middleware.RateLimit(deps.Limiter, "auth.mfa", mfaRule),
			authHandler.VerifyMFA)
		pending.POST("/mfa/setup", authHandler.SetupMFA)
		pending.POST("/mfa/confirm",
			middleware.RateLimit(deps.Limiter, "auth.mfa", mfaRule),
			authHandler.ConfirmMFA)
	}

	// Fully verified sessions only.
	protected := r.Group("/api/auth")
	protected.Use(middleware.Auth(deps.Gateway))
	{
		protected.GET("/me", authHandler.Me)
		protected.POST("/logout", authHandler.Logout)
	}

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}

// orgAwareRule applies the tenant's own brute-force settings when the org
// cookie identifies one, falling back to the configured default.
func orgAwareRule(orgs *services.OrgService, fallback ratelimit.Rule) middleware.RuleFunc {
	return func(c *gin.Context) ratelimit.Rule {
		rule := fallback

		slug, err := c.Cookie(middleware.OrgCookieName)
		if err != nil || slug == "" {
			return rule
		}

		org, err := orgs.GetBySlug(c.Request.Context(), slug)
		if err != nil {
			return rule
		}

		if org.BruteForceLimit > 0 {
			rule.Limit = org.BruteForceLimit
		}
		if org.BruteForceJail > 0 {
			rule.Jail = org.BruteForceJail
		}
		return rule
	}
}

func toRule(rr app.RouteRule) ratelimit.Rule {
	return ratelimit.Rule{Limit: rr.Limit, Bucket: rr.Bucket, Jail: rr.Jail}
}
