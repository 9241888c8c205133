package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// RateLimit allows maxPerMin requests per key and minute. It fails open when
// Redis is unreachable.
func RateLimit(cache *redis.Client, scope string, maxPerMin int, key func(*fiber.Ctx) string, logger *slog.Logger) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 5
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		redisKey := "rl:" + scope + ":" + key(c)

		cnt, err := cache.Incr(c.UserContext(), redisKey).Result()
		if err != nil {
			logger.Warn("rate limit check failed", slog.String("scope", scope), slog.Any("error", err))
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), redisKey, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}

// ByLogin keys on the login field of a JSON body, falling back to the client IP.
func ByLogin(c *fiber.Ctx) string {
	var req struct {
		Login string `json:"login"`
	}
	_ = c.BodyParser(&req)
	if login := strings.ToLower(strings.TrimSpace(req.Login)); login != "" {
		return login
	}
	return c.IP()
}

// ByUser keys on the authenticated user.
func ByUser(c *fiber.Ctx) string {
	if id := UserIDFrom(c); id != "" {
		return id
	}
	return c.IP()
}
