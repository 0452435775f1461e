package sessionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"formpulse/pkg/model"
)

// StatusError is a non-2xx answer from the ingestion API.
type StatusError struct {
	Status int
	Code   string
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingestion api: %d %s: %s", e.Status, e.Code, e.Msg)
}

// envelope mirrors the server's JSON response wrapper.
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// HTTPTransport talks to the ingestion API over HTTP. BaseURL includes the
// API prefix, e.g. https://example.com/api/v1.
type HTTPTransport struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// NewHTTPTransport returns a transport with a 10s default timeout.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{BaseURL: strings.TrimRight(baseURL, "/"), Timeout: defaultRequestTimeout}
}

func (t *HTTPTransport) CreateSession(ctx context.Context, req model.CreateSessionRequest) (model.CreateSessionResponse, error) {
	var out model.CreateSessionResponse
	err := t.do(ctx, fiber.MethodPost, "/sessions", req, &out)
	return out, err
}

func (t *HTTPTransport) AppendFieldLogs(ctx context.Context, sessionID string, fields []model.FieldLogInput) error {
	return t.do(ctx, fiber.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/fields", model.FieldLogBatch{Fields: fields}, nil)
}

func (t *HTTPTransport) UpdateSession(ctx context.Context, sessionID string, patch model.SessionPatch) error {
	return t.do(ctx, fiber.MethodPatch, "/sessions/"+url.PathEscape(sessionID), patch, nil)
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, in, out any) error {
	timeout, err := requestBudget(ctx, t.Timeout)
	if err != nil {
		return err
	}
	a := fiber.AcquireAgent()
	req := a.Request()
	req.Header.SetMethod(method)
	req.SetRequestURI(t.BaseURL + path)
	for k, v := range t.Headers {
		a.Set(k, v)
	}
	a.Timeout(timeout)
	if in != nil {
		a.JSON(in)
	}
	if err := a.Parse(); err != nil {
		fiber.ReleaseAgent(a)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("%s %s: %w", method, path, errors.Join(errs...))
	}
	var env envelope
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	if code < 200 || code >= 300 {
		return &StatusError{Status: code, Code: env.Code, Msg: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// requestBudget picks the smaller of the configured timeout and the context
// deadline.
func requestBudget(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}
	return timeout, nil
}

// DetachedSender implements BestEffortSender with detached goroutines that
// carry their own timeout and never report failures to the caller.
type DetachedSender struct {
	BaseURL string
	Timeout time.Duration
	Log     *zap.Logger

	wg sync.WaitGroup
}

// NewDetachedSender returns a sender posting beacons under baseURL.
func NewDetachedSender(baseURL string, log *zap.Logger) *DetachedSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &DetachedSender{BaseURL: strings.TrimRight(baseURL, "/"), Timeout: 5 * time.Second, Log: log}
}

func (s *DetachedSender) SendBestEffort(endpoint string, payload []byte) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.Log.Warn("sessionlog: beacon panicked", zap.Any("panic", r))
			}
		}()
		a := fiber.AcquireAgent()
		req := a.Request()
		req.Header.SetMethod(fiber.MethodPost)
		req.SetRequestURI(s.BaseURL + endpoint)
		a.ContentType(fiber.MIMETextPlainCharsetUTF8)
		a.Body(payload)
		a.Timeout(s.Timeout)
		if err := a.Parse(); err != nil {
			fiber.ReleaseAgent(a)
			s.Log.Debug("sessionlog: beacon parse", zap.Error(err))
			return
		}
		code, _, errs := a.Bytes()
		if len(errs) > 0 || code >= 300 {
			s.Log.Debug("sessionlog: beacon not delivered", zap.Int("status", code), zap.Errors("errors", errs))
		}
	}()
}

// Wait blocks until every attempted send has finished. Hosts may call it
// right before process exit.
func (s *DetachedSender) Wait() { s.wg.Wait() }
