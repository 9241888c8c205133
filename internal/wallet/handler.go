package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/btcvault/internal/identity"
	"github.com/congo-pay/btcvault/internal/keyvault"
	"github.com/congo-pay/btcvault/internal/ledger"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	Name string `json:"name"`
}

type walletResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Address   string `json:"address"`
	Name      string `json:"name"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at"`
}

func toResponse(w Wallet) walletResponse {
	return walletResponse{
		ID:        w.ID,
		UserID:    w.UserID,
		Address:   w.Address,
		Name:      w.Name,
		Balance:   w.Balance,
		CreatedAt: w.CreatedAt.Format(time.RFC3339),
	}
}

// Create provisions a wallet for the authenticated user.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	wallet, err := h.service.Create(c.UserContext(), CreateInput{UserID: userID(c), Name: req.Name})
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(wallet))
}

// List returns the authenticated user's wallets.
func (h *Handler) List(c *fiber.Ctx) error {
	wallets, err := h.service.ListByUser(c.UserContext(), userID(c))
	if err != nil {
		return httpError(err)
	}
	out := make([]walletResponse, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, toResponse(w))
	}
	return c.Status(http.StatusOK).JSON(out)
}

// Get returns one wallet with its cached balance.
func (h *Handler) Get(c *fiber.Ctx) error {
	wallet, err := h.service.Get(c.UserContext(), userID(c), c.Params("walletId"))
	if err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(wallet))
}

// Transactions lists the wallet's ledger entries.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	entries, err := h.service.Entries(c.UserContext(), userID(c), c.Params("walletId"))
	if err != nil {
		return httpError(err)
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return c.Status(http.StatusOK).JSON(entries)
}

// Sync schedules a reconciliation of the wallet.
func (h *Handler) Sync(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	if err := h.service.EnqueueSync(c.UserContext(), userID(c), walletID); err != nil {
		return httpError(err)
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"wallet_id": walletID, "status": "queued"})
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, identity.ErrUserNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, keyvault.ErrKeyUnavailable):
		return fiber.NewError(http.StatusInternalServerError, "key service unavailable")
	default:
		return fiber.NewError(http.StatusInternalServerError, "internal error")
	}
}
