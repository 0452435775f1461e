// Package mw contains HTTP middleware including authentication and rate limiting.
package mw

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
)

// LocalAuth is the fiber.Ctx locals key holding *AuthContext.
const LocalAuth = "auth"

// Token kinds.
const (
	KindUser    = "user"
	KindService = "service"
)

// AuthContext holds authentication details extracted from JWT.
type AuthContext struct {
	Subject string
	Kind    string
	Roles   []string
}

// TokenParser verifies a bearer token.
type TokenParser func(token string) (*AuthContext, error)

// FromCtx returns the auth context of the request, or nil.
func FromCtx(c *fiber.Ctx) *AuthContext {
	ac, _ := c.Locals(LocalAuth).(*AuthContext)
	return ac
}

// JWTMiddlewareDynamic attaches auth context parsed by the given token parser.
// Requests without a valid token pass through anonymously; route guards
// decide whether that is acceptable.
func JWTMiddlewareDynamic(parse TokenParser) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
			return c.Next()
		}
		token := strings.TrimSpace(authz[7:])
		if ac, err := parse(token); err == nil && ac != nil && ac.Subject != "" {
			c.Locals(LocalAuth, ac)
		}
		return c.Next()
	}
}

// RequireRoles enforces that the authenticated context has at least one of the roles.
func RequireRoles(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ac := FromCtx(c)
		if ac == nil || ac.Subject == "" {
			return fiber.ErrUnauthorized
		}
		if len(roles) == 0 {
			return c.Next()
		}
		if len(lo.Intersect(ac.Roles, roles)) > 0 {
			return c.Next()
		}
		return fiber.ErrForbidden
	}
}
