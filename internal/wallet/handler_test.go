package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func newTestApp(f fixture, userID string) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", userID)
		return c.Next()
	})
	h := NewHandler(f.svc)
	app.Post("/wallets", h.Create)
	app.Get("/wallets", h.List)
	app.Get("/wallets/:walletId", h.Get)
	app.Get("/wallets/:walletId/transactions", h.Transactions)
	app.Post("/wallets/:walletId/sync", h.Sync)
	return app
}

func TestHandlerCreateAndFetch(t *testing.T) {
	f := newFixture(t)
	owner := f.newUser()
	app := newTestApp(f, owner)

	req := httptest.NewRequest(http.MethodPost, "/wallets", strings.NewReader(`{"name":"daily"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created walletResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Name != "daily" || created.Address == "" {
		t.Fatalf("unexpected body: %+v", created)
	}

	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/wallets/"+created.ID+"/transactions", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for transactions, got %d", resp.StatusCode)
	}

	resp, _ = app.Test(httptest.NewRequest(http.MethodPost, "/wallets/"+created.ID+"/sync", nil))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for sync, got %d", resp.StatusCode)
	}
}

func TestHandlerMapsOwnershipErrors(t *testing.T) {
	f := newFixture(t)
	owner, intruder := f.newUser(), f.newUser()
	w, err := f.svc.Create(context.Background(), CreateInput{UserID: owner})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	app := newTestApp(f, intruder)
	resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/wallets/"+w.ID, nil))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/wallets/does-not-exist", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
