// Package testutil builds Fiber apps for handler tests.
package testutil

import (
	"github.com/gofiber/fiber/v2"

	"formpulse/internal/httpx/kit"
	"formpulse/internal/httpx/mw"
)

// NewApp creates a Fiber app with the standard error handler and applies
// the given mount functions to register selective routes.
func NewApp(mounts ...func(*fiber.App)) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: kit.ErrorHandler()})
	for _, m := range mounts {
		if m != nil {
			m(app)
		}
	}
	return app
}

// AsCaller returns a mount that attaches a fixed auth context to every
// request, standing in for a verified bearer token.
func AsCaller(subject string, roles ...string) func(*fiber.App) {
	return func(app *fiber.App) {
		app.Use(func(c *fiber.Ctx) error {
			c.Locals(mw.LocalAuth, &mw.AuthContext{Subject: subject, Kind: mw.KindService, Roles: roles})
			return c.Next()
		})
	}
}
