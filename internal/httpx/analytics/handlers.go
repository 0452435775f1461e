// Package analytics serves the aggregation read surface. Every report is
// recomputed from the store on request.
package analytics

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	engine "formpulse/internal/analytics"
	"formpulse/internal/httpx/kit"
	"formpulse/internal/httpx/mw"
	"formpulse/internal/ingest"
)

const reportTimeout = 15 * time.Second

// Mount registers /analytics/* behind the admin role.
func Mount(r fiber.Router, e *engine.Engine) {
	g := r.Group("/analytics", mw.RequireRoles(ingest.RoleAdmin))
	g.Get("/overview", serve(e.Overview))
	g.Get("/fields/timings", serve(e.FieldTimings))
	g.Get("/fields/drop-off", serve(e.DropOffs))
	g.Get("/fields/edits", serve(e.Edits))
	g.Get("/fields/pastes", serve(e.Pastes))
	g.Get("/durations", serve(e.Durations))
	g.Get("/status", serve(e.Statuses))
	g.Get("/interactions", serve(e.Interactions))
	g.Get("/industries", serve(e.Industries))
	g.Get("/revenue", serve(e.Revenue))
	g.Get("/geo", serve(e.Geo))
	g.Get("/returning", serve(e.Returning))
	g.Get("/relationships", serve(e.Relationships))
	g.Get("/traffic", serve(e.Traffic))
	g.Get("/devices", serve(e.Devices))
}

// serve adapts one report to a handler.
//
//	@Summary      Analytics report
//	@Description  overview, fields/timings, fields/drop-off, fields/edits, fields/pastes, durations, status, interactions, industries, revenue, geo, returning, relationships, traffic, devices
//	@Tags         analytics
//	@Produce      json
//	@Security     BearerAuth
//	@Param        report  path      string  true  "report name"
//	@Success      200     {object}  map[string]interface{}
//	@Failure      401     {object}  map[string]interface{}
//	@Failure      403     {object}  map[string]interface{}
//	@Router       /api/v1/analytics/{report} [get]
func serve[T any](fn func(context.Context) (T, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), reportTimeout)
		defer cancel()
		out, err := fn(ctx)
		if err != nil {
			return kit.InternalError("report failed", nil)
		}
		return kit.OK(c, out)
	}
}
