package httpx

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"formpulse/internal/httpx/kit"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// HealthHandler 处理健康检查请求
//
//	@Summary		健康检查
//	@Description	检查API服务及其依赖的健康状态
//	@Tags			health
//	@Accept			json
//	@Produce		json
//	@Success		200	{object}	map[string]interface{}	"服务健康"
//	@Failure		503	{object}	map[string]interface{}	"依赖不可用"
//	@Router			/health [get]
func HealthHandler(checks map[string]Check) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
		defer cancel()
		deps := make(fiber.Map, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				healthy = false
				deps[name] = "down"
				httpxLogger.Warn("health check failed", zap.String("dep", name), zap.Error(err))
				continue
			}
			deps[name] = "ok"
		}
		if !healthy {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"code":       "E_UNAVAILABLE",
				"message":    "dependency unavailable",
				"data":       fiber.Map{"status": "degraded", "deps": deps},
				"request_id": kit.RequestID(c),
			})
		}
		return kit.OK(c, fiber.Map{"status": "ok", "deps": deps})
	}
}
