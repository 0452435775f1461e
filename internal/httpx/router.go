// Package httpx assembles the HTTP surface: common middleware, health,
// metrics, API docs and the versioned API routes.
package httpx

import (
	"github.com/gofiber/fiber/v2"
	fiberSwagger "github.com/swaggo/fiber-swagger"

	"formpulse/internal/analytics"
	"formpulse/internal/config"
	"formpulse/internal/httpx/admin"
	analyticsapi "formpulse/internal/httpx/analytics"
	"formpulse/internal/httpx/kit"
	"formpulse/internal/httpx/mw"
	"formpulse/internal/httpx/sessions"
	"formpulse/internal/ingest"
	"formpulse/internal/metrics"
)

// Deps are the collaborators the routes need.
type Deps struct {
	Ingest    *ingest.Service
	Analytics *analytics.Engine
	// Settings enables the runtime settings routes when set.
	Settings *config.Store
	// Tokens verifies bearer tokens; nil leaves every request anonymous.
	Tokens mw.TokenParser
	// IngestLimit rate limits the public write routes; nil disables it.
	IngestLimit fiber.Handler
	Checks      map[string]Check
	Swagger     bool
}

// NewApp builds the Fiber app with the unified error envelope. proxyHeader,
// when set, is trusted for the client IP.
func NewApp(proxyHeader string) *fiber.App {
	return fiber.New(fiber.Config{
		ErrorHandler: kit.ErrorHandler(),
		ProxyHeader:  proxyHeader,
		BodyLimit:    1 << 20,
		AppName:      "formpulse",
	})
}

func Register(app *fiber.App, d Deps) {
	app.Get("/health", HealthHandler(d.Checks))
	app.Get("/metrics", metrics.Handler())
	if d.Swagger {
		app.Get("/swagger/*", fiberSwagger.WrapHandler)
	}

	api := app.Group("/api/v1")
	if d.Tokens != nil {
		api.Use(mw.JWTMiddlewareDynamic(d.Tokens))
	}
	if d.Ingest != nil {
		idle := sessions.Clock{}
		if d.Analytics != nil {
			idle.Idle = d.Analytics.IdleThreshold
		}
		sessions.Mount(api, d.Ingest, idle, d.IngestLimit)
	}
	if d.Analytics != nil {
		analyticsapi.Mount(api, d.Analytics)
	}
	if d.Settings != nil {
		admin.Mount(api, d.Settings)
	}
}
