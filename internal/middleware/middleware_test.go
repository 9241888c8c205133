package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/btcvault/internal/logging"
)

type fakeTokens map[string]string

func (f fakeTokens) Verify(token string) (string, error) {
	if sub, ok := f[token]; ok {
		return sub, nil
	}
	return "", errors.New("bad token")
}

type fakeUsers map[string]bool

func (f fakeUsers) Exists(_ context.Context, userID string) error {
	if !f[userID] {
		return errors.New("gone")
	}
	return nil
}

func TestJWTAuth(t *testing.T) {
	app := fiber.New()
	app.Use(JWTAuth(fakeTokens{"good": "u1", "orphan": "u2"}, fakeUsers{"u1": true}))
	app.Get("/me", func(c *fiber.Ctx) error {
		return c.SendString(UserIDFrom(c))
	})

	cases := map[string]int{
		"":              fiber.StatusUnauthorized,
		"Basic abc":     fiber.StatusUnauthorized,
		"Bearer nope":   fiber.StatusUnauthorized,
		"Bearer orphan": fiber.StatusUnauthorized,
		"bearer good":   fiber.StatusOK,
		"Bearer good":   fiber.StatusOK,
	}
	for header, want := range cases {
		req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set(fiber.HeaderAuthorization, header)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("%q: %v", header, err)
		}
		if resp.StatusCode != want {
			t.Fatalf("%q: expected %d got %d", header, want, resp.StatusCode)
		}
	}
}

func TestRateLimitPerKey(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New()
	app.Use(RateLimit(cache, "send", 2, func(c *fiber.Ctx) string { return c.Get("X-User") }, logging.Discard()))
	app.Post("/send", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })

	hit := func(user string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/send", nil)
		req.Header.Set("X-User", user)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		return resp.StatusCode
	}

	for i := 0; i < 2; i++ {
		if code := hit("alice"); code != fiber.StatusCreated {
			t.Fatalf("request %d: expected 201 got %d", i, code)
		}
	}
	if code := hit("alice"); code != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", code)
	}
	if code := hit("bob"); code != fiber.StatusCreated {
		t.Fatalf("other users are not limited, got %d", code)
	}
	if ttl := mr.TTL("rl:send:alice"); ttl <= 0 {
		t.Fatalf("counter has no expiry")
	}

	mr.FastForward(mr.TTL("rl:send:alice") + 1)
	if code := hit("alice"); code != fiber.StatusCreated {
		t.Fatalf("window did not reset, got %d", code)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer cache.Close()
	mr.Close()

	app := fiber.New()
	app.Use(RateLimit(cache, "login", 1, ByLogin, logging.Discard()))
	app.Post("/session", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(fiber.MethodPost, "/session", strings.NewReader(`{"login":"alice"}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected fail-open, got %d", resp.StatusCode)
		}
	}
}

func TestRequestIDAndAudit(t *testing.T) {
	var buf bytes.Buffer
	app := fiber.New()
	app.Use(RequestID())
	app.Use(Audit(logging.NewWithWriter(&buf, "info")))
	app.Get("/missing", func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusNotFound, "nope") })
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	req := httptest.NewRequest(fiber.MethodGet, "/ok", nil)
	req.Header.Set(requestIDHeader, "req-123")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Header.Get(requestIDHeader) != "req-123" {
		t.Fatalf("request id not echoed")
	}

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/missing", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("request id not generated")
	}

	logs := buf.String()
	if !strings.Contains(logs, `"request_id":"req-123"`) {
		t.Fatalf("audit log misses request id: %s", logs)
	}
	if !strings.Contains(logs, `"level":"WARN"`) || !strings.Contains(logs, `"status":404`) {
		t.Fatalf("client error not logged as warning: %s", logs)
	}
}
