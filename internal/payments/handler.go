package payments

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/btcvault/internal/chain"
	"github.com/congo-pay/btcvault/internal/identity"
	"github.com/congo-pay/btcvault/internal/keyvault"
	"github.com/congo-pay/btcvault/internal/spend"
	"github.com/congo-pay/btcvault/internal/spendlock"
	"github.com/congo-pay/btcvault/internal/wallet"
)

// Handler exposes payment endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type sendRequest struct {
	ToAddress string `json:"to_address"`
	Amount    int64  `json:"amount"`
	Password  string `json:"password"`
}

// Send broadcasts an on-chain payment from the wallet in the path.
func (h *Handler) Send(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	uid, _ := c.Locals("user_id").(string)

	res, err := h.service.Send(c.UserContext(), SendInput{
		UserID:    uid,
		WalletID:  c.Params("walletId"),
		ToAddress: req.ToAddress,
		Amount:    req.Amount,
		Password:  req.Password,
	})
	if err != nil {
		return httpError(err)
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"txid":   res.TxID,
		"fee":    res.Fee,
		"change": res.Change,
		"inputs": res.Inputs,
	})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidDestination):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, spend.ErrInsufficientFunds):
		return fiber.NewError(http.StatusBadRequest, "insufficient funds")
	case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrUserNotFound):
		return fiber.NewError(http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, wallet.ErrForbidden):
		return fiber.NewError(http.StatusForbidden, "not owner of source wallet")
	case errors.Is(err, wallet.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	case errors.Is(err, spendlock.ErrLocked), errors.Is(err, spendlock.ErrReserved):
		return fiber.NewError(http.StatusConflict, "another send is in progress for this wallet")
	case errors.Is(err, ErrBroadcastFailed):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	case errors.Is(err, ErrSendExpired):
		return fiber.NewError(http.StatusServiceUnavailable, "send timed out, retry later")
	case errors.Is(err, chain.ErrUnavailable), errors.Is(err, chain.ErrTxNotFound), errors.Is(err, spend.ErrNoFeeRate):
		return fiber.NewError(http.StatusServiceUnavailable, "chain oracle unavailable")
	case errors.Is(err, keyvault.ErrKeyUnavailable):
		return fiber.NewError(http.StatusInternalServerError, "key service unavailable")
	default:
		return fiber.NewError(http.StatusInternalServerError, "internal error")
	}
}
