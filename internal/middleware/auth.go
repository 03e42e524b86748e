package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/pkg/errors"
	"github.com/keyfold/keyfold/pkg/response"
)

const (
	// OrgCookieName carries the tenant slug; the bearer token resolves the
	// session within that tenant.
	OrgCookieName = "keyfold_org"

	CtxIdentityKey = "identity"
	CtxUserIDKey   = "userID"
)

// Auth enforces the two-piece credential on protected routes: the tenant
// cookie plus a signed bearer token over an MFA-verified session.
func Auth(gateway *iauth.Gateway) gin.HandlerFunc {
	return authorize(gateway, false)
}

// AuthMFAPending guards the MFA challenge routes, which must be reachable
// with a session still awaiting verification.
func AuthMFAPending(gateway *iauth.Gateway) gin.HandlerFunc {
	return authorize(gateway, true)
}

func authorize(gateway *iauth.Gateway, mfaPending bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		slug, err := c.Cookie(OrgCookieName)
		if err != nil || slug == "" {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		bearer, ok := bearerToken(c)
		if !ok {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		var identity *iauth.Identity
		if mfaPending {
			identity, err = gateway.AuthorizeMFAPending(c.Request.Context(), slug, bearer)
		} else {
			identity, err = gateway.Authorize(c.Request.Context(), slug, bearer)
		}
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxIdentityKey, identity)
		c.Set(CtxUserIDKey, identity.User.ID)
		c.Next()
	}
}

// IdentityFromContext extracts the identity placed by Auth/AuthMFAPending.
func IdentityFromContext(c *gin.Context) (*iauth.Identity, bool) {
	value, exists := c.Get(CtxIdentityKey)
	if !exists {
		return nil, false
	}
	identity, ok := value.(*iauth.Identity)
	return identity, ok
}

func bearerToken(c *gin.Context) (string, bool) {
	authz := c.GetHeader("Authorization")
	if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(authz[7:])
	return token, token != ""
}
