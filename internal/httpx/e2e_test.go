package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"formpulse/internal/analytics"
	"formpulse/internal/config"
	"formpulse/internal/httpx/auth"
	"formpulse/internal/ingest"
	"formpulse/internal/mqx"
	"formpulse/internal/store/storetest"
)

type envelope struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Meta      json.RawMessage `json:"meta"`
	RequestID string          `json:"request_id"`
}

func do(t *testing.T, app *fiber.App, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := app.Test(req, 10_000)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	var env envelope
	raw, _ := io.ReadAll(res.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return res.StatusCode, env
}

func TestE2E_Health(t *testing.T) {
	app := NewApp("")
	RegisterCommonMiddlewares(app)
	Register(app, Deps{Checks: map[string]Check{"db": func(context.Context) error { return nil }}})

	status, body := do(t, app, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK || body.Code != "OK" {
		t.Fatalf("unexpected: %d %+v", status, body)
	}
	if body.RequestID == "" {
		t.Fatal("request id missing")
	}
}

func TestE2E_HealthDegraded(t *testing.T) {
	app := NewApp("")
	Register(app, Deps{Checks: map[string]Check{"redis": func(context.Context) error { return errors.New("down") }}})

	status, body := do(t, app, http.MethodGet, "/health", "", nil)
	if status != http.StatusServiceUnavailable || body.Code != "E_UNAVAILABLE" {
		t.Fatalf("unexpected: %d %+v", status, body)
	}
}

func TestE2E_NotFoundEnvelope(t *testing.T) {
	app := NewApp("")
	status, body := do(t, app, http.MethodGet, "/nope", "", nil)
	if status != http.StatusNotFound || body.Code != "E_NOT_FOUND" {
		t.Fatalf("unexpected: %d %+v", status, body)
	}
}

func TestE2E_MetricsExposed(t *testing.T) {
	app := NewApp("")
	RegisterCommonMiddlewares(app)
	Register(app, Deps{})
	do(t, app, http.MethodGet, "/health", "", nil)

	res, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	raw, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(raw), "formpulse_http_requests_total") {
		t.Fatalf("http counter missing from /metrics")
	}
}

// A session travels from creation to completion and shows up in analytics
// and the privileged read routes.
func TestE2E_SessionLifecycle(t *testing.T) {
	cfg := &config.Config{}
	cfg.JWT.Algo = "HS256"
	cfg.JWT.HSSecret = "e2e-secret"
	cfgStore := config.NewStore(cfg)

	st := storetest.Open(t)
	rec := &mqx.Recorder{}
	svc := ingest.New(st, ingest.WithPublisher(rec))
	eng := analytics.NewEngine(st)

	app := NewApp("")
	RegisterCommonMiddlewares(app)
	Register(app, Deps{Ingest: svc, Analytics: eng, Tokens: auth.Parser(cfgStore)})

	admin, err := auth.SignHS256(cfg, "user:ops", []string{"admin"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	viewer, _ := auth.SignHS256(cfg, "user:viewer", []string{"viewer"}, time.Minute)

	status, body := do(t, app, http.MethodPost, "/api/v1/sessions", "", map[string]any{
		"documentType":    "invoice",
		"fingerprintHash": "fp-e2e",
	})
	if status != http.StatusCreated {
		t.Fatalf("create: %d %+v", status, body)
	}
	var created struct {
		ID          string `json:"id"`
		IsReturning bool   `json:"isReturning"`
	}
	_ = json.Unmarshal(body.Data, &created)
	if created.ID == "" || created.IsReturning {
		t.Fatalf("unexpected create result: %+v", created)
	}
	base := "/api/v1/sessions/" + created.ID

	status, _ = do(t, app, http.MethodPost, base+"/fields", "", map[string]any{"fields": []map[string]string{}})
	if status != http.StatusBadRequest {
		t.Fatalf("empty batch: %d", status)
	}
	status, _ = do(t, app, http.MethodPost, "/api/v1/sessions/missing/fields", "", map[string]any{
		"fields": []map[string]string{{"fieldName": "email", "value": "x"}},
	})
	if status != http.StatusNotFound {
		t.Fatalf("unknown session: %d", status)
	}
	status, _ = do(t, app, http.MethodPost, base+"/fields", "", map[string]any{
		"fields": []map[string]string{{"fieldName": "email", "value": "a@b.c"}},
	})
	if status != http.StatusCreated {
		t.Fatalf("append: %d", status)
	}

	status, _ = do(t, app, http.MethodPatch, base, "", map[string]any{
		"behavioral": map[string]any{
			"v":            1,
			"fieldTimings": []map[string]any{{"fieldName": "email", "duration": 1200}},
			"fieldOrder":   []string{"name", "email"},
			"duration":     5000,
		},
		"completed":  true,
		"documentId": "doc-1",
	})
	if status != http.StatusOK {
		t.Fatalf("complete: %d", status)
	}

	status, _ = do(t, app, http.MethodGet, base, "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("anonymous read: %d", status)
	}
	status, _ = do(t, app, http.MethodGet, base, viewer, nil)
	if status != http.StatusForbidden {
		t.Fatalf("viewer read: %d", status)
	}
	status, body = do(t, app, http.MethodGet, base, admin, nil)
	if status != http.StatusOK {
		t.Fatalf("admin read: %d", status)
	}
	var got struct {
		Completed bool   `json:"completed"`
		Status    string `json:"status"`
	}
	_ = json.Unmarshal(body.Data, &got)
	if !got.Completed || got.Status != "completed" {
		t.Fatalf("unexpected session: %+v", got)
	}

	status, body = do(t, app, http.MethodGet, "/api/v1/analytics/fields/timings", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("timings: %d", status)
	}
	var timings []analytics.FieldTiming
	_ = json.Unmarshal(body.Data, &timings)
	if len(timings) != 1 || timings[0].Field != "email" || timings[0].AvgMs != 1200 {
		t.Fatalf("unexpected timings: %+v", timings)
	}

	status, body = do(t, app, http.MethodGet, "/api/v1/sessions?completed=true&with_total=true", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("list: %d", status)
	}
	var meta struct {
		Total *int `json:"total"`
	}
	_ = json.Unmarshal(body.Meta, &meta)
	if meta.Total == nil || *meta.Total != 1 {
		t.Fatalf("unexpected meta: %s", body.Meta)
	}

	status, _ = do(t, app, http.MethodDelete, base, viewer, nil)
	if status != http.StatusForbidden {
		t.Fatalf("viewer delete: %d", status)
	}
	status, _ = do(t, app, http.MethodDelete, base, admin, nil)
	if status != http.StatusOK {
		t.Fatalf("admin delete: %d", status)
	}
	status, _ = do(t, app, http.MethodGet, base, admin, nil)
	if status != http.StatusNotFound {
		t.Fatalf("read after delete: %d", status)
	}

	keys := []string{}
	for _, m := range rec.Messages() {
		keys = append(keys, m.Key)
	}
	want := []string{mqx.KeySessionCreated, mqx.KeySessionCompleted, mqx.KeySessionDeleted}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", keys, want)
	}
}
