package httpkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const contextPrincipalKey = "principal"

// Principal is the authenticated caller.
type Principal struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
	Roles    []string
}

// SetPrincipal stores p on the request context.
func SetPrincipal(c *gin.Context, p Principal) {
	c.Set(contextPrincipalKey, p)
}

// PrincipalFrom returns the caller stored by AuthRequired.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	raw, ok := c.Get(contextPrincipalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := raw.(Principal)
	return p, ok && p.UserID != uuid.Nil
}

// MustGetPrincipal aborts with 401 when the request is unauthenticated.
func MustGetPrincipal(c *gin.Context) (Principal, bool) {
	p, ok := PrincipalFrom(c)
	if !ok {
		abortUnauthorized(c, "unauthorized")
		return Principal{}, false
	}
	return p, true
}

// MustGetTenantID returns the caller's tenant. It aborts with 403 when the
// token was not issued for a tenant.
func MustGetTenantID(c *gin.Context) (uuid.UUID, bool) {
	p, ok := MustGetPrincipal(c)
	if !ok {
		return uuid.Nil, false
	}
	if p.TenantID == uuid.Nil {
		c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "tenant required", Code: "forbidden"})
		return uuid.Nil, false
	}
	return p.TenantID, true
}
