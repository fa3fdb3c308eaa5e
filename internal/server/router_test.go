package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterDispatchesAllowedURL(t *testing.T) {
	app := newTestApp(t, 5000)

	target := url.QueryEscape("https://img.example.com/a.png")
	resp, err := app.Test(httptest.NewRequest("GET", "/fetch?url="+target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.recorder.routeName != "avatars" || app.recorder.method != "fetch" {
		t.Fatalf("expected avatars fetch, got %s %s", app.recorder.method, app.recorder.routeName)
	}
	if app.recorder.target != "https://img.example.com/a.png" {
		t.Fatalf("target url not forwarded: %s", app.recorder.target)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterDeleteUsesRemove(t *testing.T) {
	app := newTestApp(t, 5000)

	target := url.QueryEscape("http://thumbs.local:8080/x.jpg")
	resp, err := app.Test(httptest.NewRequest("DELETE", "/fetch?url="+target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if app.recorder.method != "remove" || app.recorder.routeName != "thumbs" {
		t.Fatalf("expected thumbs remove, got %s %s", app.recorder.method, app.recorder.routeName)
	}
}

func TestRouterRejectsBadRequests(t *testing.T) {
	app := newTestApp(t, 5000)

	testCases := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"missing url", "/fetch", fiber.StatusBadRequest, "url_required"},
		{"relative url", "/fetch?url=" + url.QueryEscape("/a.png"), fiber.StatusBadRequest, "invalid_url"},
		{"unknown origin", "/fetch?url=" + url.QueryEscape("https://evil.example.com/a.png"), fiber.StatusForbidden, "origin_not_allowed"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("GET", tc.path, nil))
			if err != nil {
				t.Fatalf("app.Test failed: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d status, got %d", tc.status, resp.StatusCode)
			}
			body, _ := io.ReadAll(resp.Body)
			if !bytes.Contains(body, []byte(`"`+tc.code+`"`)) {
				t.Fatalf("expected %s error, got %s", tc.code, string(body))
			}
		})
	}
	if app.recorder.method != "" {
		t.Fatalf("handler must not run for rejected requests")
	}
}

func TestRouterPrefetchBypassesOriginCheck(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("POST", "/prefetch", strings.NewReader(`{"urls":[]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent || app.recorder.method != "prefetch" {
		t.Fatalf("prefetch not dispatched: %d %s", resp.StatusCode, app.recorder.method)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("missing logger should fail")
	}
}

type testApp struct {
	*fiber.App
	recorder *handlerRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	registry, err := NewOriginRegistry(testConfig(port))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &handlerRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Handler:    recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

type handlerRecorder struct {
	method    string
	routeName string
	target    string
}

func (h *handlerRecorder) record(method string, route *OriginRoute, target *url.URL) {
	h.method = method
	if route != nil {
		h.routeName = route.Config.Name
	}
	if target != nil {
		h.target = target.String()
	}
}

func (h *handlerRecorder) Fetch(c fiber.Ctx, route *OriginRoute, target *url.URL) error {
	h.record("fetch", route, target)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlerRecorder) Remove(c fiber.Ctx, route *OriginRoute, target *url.URL) error {
	h.record("remove", route, target)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlerRecorder) Prefetch(c fiber.Ctx) error {
	h.method = "prefetch"
	return c.SendStatus(fiber.StatusNoContent)
}
