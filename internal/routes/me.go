package routes

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/btcvault/internal/identity"
	"github.com/congo-pay/btcvault/internal/middleware"
	"github.com/congo-pay/btcvault/internal/wallet"
)

// RegisterMeRoute exposes the current user's profile and wallets.
func RegisterMeRoute(r fiber.Router, users identity.Repository, wallets *wallet.Service) {
	r.Get("/me", func(c *fiber.Ctx) error {
		uid := middleware.UserIDFrom(c)
		user, err := users.FindByID(c.UserContext(), uid)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "user not found")
		}
		owned, err := wallets.ListByUser(c.UserContext(), uid)
		if err != nil {
			return fiber.NewError(http.StatusInternalServerError, "internal error")
		}

		var total int64
		list := make([]fiber.Map, 0, len(owned))
		for _, w := range owned {
			total += w.Balance
			list = append(list, fiber.Map{"id": w.ID, "name": w.Name, "address": w.Address, "balance": w.Balance})
		}
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"user": fiber.Map{
				"id":         user.ID,
				"login":      user.Login,
				"created_at": user.CreatedAt.Format(time.RFC3339),
			},
			"wallets":       list,
			"total_balance": total,
		})
	})
}
