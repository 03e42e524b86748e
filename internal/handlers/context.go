package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	iauth "github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/middleware"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// identityOrAbort extracts the authenticated identity; the auth middleware
// guarantees it on protected routes, so absence is a wiring bug.
func identityOrAbort(c *gin.Context) (*iauth.Identity, bool) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func clientMetadata(c *gin.Context) iauth.SessionMetadata {
	return iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
