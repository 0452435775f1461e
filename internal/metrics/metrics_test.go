package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestHandlerExposesCollectors(t *testing.T) {
	SessionsCompleted.Inc()
	UpstreamFailures.WithLabelValues("geo").Inc()

	app := fiber.New()
	app.Get("/metrics", Handler())
	res, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	b, _ := io.ReadAll(res.Body)
	for _, name := range []string{"formpulse_sessions_completed_total", `formpulse_upstream_failures_total{upstream="geo"}`} {
		if !strings.Contains(string(b), name) {
			t.Fatalf("missing %s in output", name)
		}
	}
}
