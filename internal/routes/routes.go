package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/btcvault/internal/auth"
	"github.com/congo-pay/btcvault/internal/config"
	"github.com/congo-pay/btcvault/internal/identity"
	"github.com/congo-pay/btcvault/internal/middleware"
	"github.com/congo-pay/btcvault/internal/payments"
	"github.com/congo-pay/btcvault/internal/wallet"
)

// Deps aggregates the services and connections required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger

	Identity     *identity.Service
	IdentityRepo identity.Repository
	Auth         *auth.Service
	Wallets      *wallet.Service
	Payments     *payments.Service
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	identityHandler := identity.NewHandler(d.Identity)
	authHandler := auth.NewHandler(d.Auth)
	walletHandler := wallet.NewHandler(d.Wallets)
	paymentHandler := payments.NewHandler(d.Payments)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Public routes
	loginLimiter := middleware.RateLimit(d.Cache, "login", 10, middleware.ByLogin, d.Logger)
	api.Post("/users", loginLimiter, identityHandler.Register)
	api.Post("/session", loginLimiter, authHandler.Login)

	// Protected routes
	protected := api.Group("", middleware.JWTAuth(d.Auth, d.Identity))
	RegisterMeRoute(protected, d.IdentityRepo, d.Wallets)
	protected.Post("/wallets", walletHandler.Create)
	protected.Get("/wallets", walletHandler.List)
	protected.Get("/wallets/:walletId", walletHandler.Get)
	protected.Get("/wallets/:walletId/transactions", walletHandler.Transactions)
	protected.Post("/wallets/:walletId/sync", walletHandler.Sync)

	send := []fiber.Handler{middleware.RateLimit(d.Cache, "send", d.Cfg.SendRateLimit, middleware.ByUser, d.Logger)}
	if d.Cache != nil {
		send = append(send, middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	send = append(send, paymentHandler.Send)
	protected.Post("/wallets/:walletId/send", send...)

	return nil
}
