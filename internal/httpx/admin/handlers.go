// Package admin exposes operator routes: a liveness ping and the runtime
// settings that can be tuned without a restart.
package admin

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"formpulse/internal/config"
	"formpulse/internal/httpx/kit"
	"formpulse/internal/httpx/mw"
	"formpulse/internal/ingest"
	"formpulse/internal/logx"
)

var adminLogger = logx.GetScope("admin")

// Mount registers /admin/* behind the admin role.
func Mount(r fiber.Router, st *config.Store) {
	g := r.Group("/admin", mw.RequireRoles(ingest.RoleAdmin))
	g.Get("/ping", PingHandler())
	g.Get("/settings", GetSettingsHandler(st))
	g.Put("/settings", UpdateSettingsHandler(st))
}

// PingHandler example protected route
//
//	@Summary      Admin Ping
//	@Description  Protected route requiring admin role
//	@Tags         admin
//	@Accept       json
//	@Produce      json
//	@Security     BearerAuth
//	@Success      200  {object}  map[string]string  "pong"
//	@Failure      401  {object}  map[string]interface{}  "unauthorized"
//	@Failure      403  {object}  map[string]interface{}  "forbidden"
//	@Router       /api/v1/admin/ping [get]
func PingHandler() fiber.Handler {
	return func(c *fiber.Ctx) error { return kit.OK(c, fiber.Map{"message": "pong"}) }
}

// GetSettingsHandler lists the live runtime settings.
//
//	@Summary      Runtime settings
//	@Tags         admin
//	@Produce      json
//	@Security     BearerAuth
//	@Success      200  {object}  map[string]string
//	@Router       /api/v1/admin/settings [get]
func GetSettingsHandler(st *config.Store) fiber.Handler {
	return func(c *fiber.Ctx) error { return kit.OK(c, st.TunableValues()) }
}

// UpdateSettingsHandler overrides runtime settings.
//
//	@Summary      Update runtime settings
//	@Description  Keys: log.level, session.idle_min, analytics.top_n, ratelimit.window_sec, ratelimit.max
//	@Tags         admin
//	@Accept       json
//	@Produce      json
//	@Security     BearerAuth
//	@Param        body  body      map[string]string  true  "key/value overrides"
//	@Success      200   {object}  map[string]string
//	@Failure      400   {object}  map[string]interface{}
//	@Router       /api/v1/admin/settings [put]
func UpdateSettingsHandler(st *config.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body map[string]string
		if err := c.BodyParser(&body); err != nil || len(body) == 0 {
			return kit.BadRequest("invalid body", "expected a non-empty object of string values")
		}
		changed, err := st.Override(body)
		switch {
		case errors.Is(err, config.ErrUnknownKey), errors.Is(err, config.ErrRejected):
			return kit.BadRequest(err.Error(), config.Tunables)
		case err != nil:
			return err
		}
		by := ""
		if ac := mw.FromCtx(c); ac != nil {
			by = ac.Subject
		}
		adminLogger.Info("runtime settings changed", zap.String("by", by), zap.Any("keys", changed))
		return kit.OK(c, st.TunableValues())
	}
}
