package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "idempotency:v1:"
	inProgressMarker     = "__in_progress__"
	maxIdempotencyKeyLen = 255
	idempotencyTimeout   = 2 * time.Second
)

type storedResponse struct {
	RequestHash string            `json:"request_hash"`
	Status      int               `json:"status"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers"`
}

// Idempotency makes unsafe requests replayable: the first response for an
// Idempotency-Key is stored in Redis and returned for later requests with
// the same key. Keys are scoped to the authenticated user and route. Reusing
// a key with a different body is refused. Failed requests release the key.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		method := strings.ToUpper(c.Method())
		switch method {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		switch {
		case key == "":
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		case len(key) > maxIdempotencyKeyLen:
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key header too long")
		}

		slot := idempotencySlot{
			cache:  cache,
			key:    idempotencyPrefix + UserIDFrom(c) + ":" + method + " " + c.Path() + ":" + key,
			hash:   hashRequest(c.Body()),
			ttl:    ttl,
			logger: logger.With(slog.String("idempotency_key", key)),
		}

		stored, found, err := slot.lookup()
		if err != nil {
			return err
		}
		if found {
			return slot.replay(c, stored)
		}
		if err := slot.reserve(); err != nil {
			return err
		}

		if err := c.Next(); err != nil {
			slot.release()
			return err
		}
		return slot.persist(c)
	}
}

type idempotencySlot struct {
	cache    *redis.Client
	key      string
	hash     string
	ttl      time.Duration
	logger   *slog.Logger
	released bool
}

func (s *idempotencySlot) lookup() (storedResponse, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyTimeout)
	defer cancel()

	cached, err := s.cache.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return storedResponse{}, false, nil
	}
	if err != nil {
		s.logger.Error("idempotency lookup failed", slog.Any("error", err))
		return storedResponse{}, false, fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
	}
	if cached == inProgressMarker {
		return storedResponse{}, false, fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(cached), &stored); err != nil {
		s.logger.Warn("stored idempotent response is unreadable", slog.Any("error", err))
		return storedResponse{}, false, fiber.NewError(fiber.StatusConflict, "duplicate request")
	}
	return stored, true, nil
}

func (s *idempotencySlot) replay(c *fiber.Ctx, stored storedResponse) error {
	if stored.RequestHash != s.hash {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "Idempotency-Key reused with a different request")
	}
	for header, value := range stored.Headers {
		if strings.EqualFold(header, fiber.HeaderContentLength) {
			continue
		}
		c.Set(header, value)
	}
	return c.Status(stored.Status).SendString(stored.Body)
}

func (s *idempotencySlot) reserve() error {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyTimeout)
	defer cancel()

	ok, err := s.cache.SetNX(ctx, s.key, inProgressMarker, s.ttl).Result()
	if err != nil {
		s.logger.Error("idempotency reservation failed", slog.Any("error", err))
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency reservation failure")
	}
	if !ok {
		return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}
	return nil
}

func (s *idempotencySlot) persist(c *fiber.Ctx) error {
	stored := storedResponse{
		RequestHash: s.hash,
		Status:      c.Response().StatusCode(),
		Body:        string(c.Response().Body()),
		Headers:     map[string]string{},
	}
	c.Response().Header.VisitAll(func(k, v []byte) {
		stored.Headers[string(k)] = string(v)
	})

	payload, err := json.Marshal(stored)
	if err != nil {
		s.logger.Error("encode idempotent response", slog.Any("error", err))
		s.release()
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency persistence failure")
	}

	ctx, cancel := context.WithTimeout(context.Background(), idempotencyTimeout)
	defer cancel()
	if err := s.cache.Set(ctx, s.key, payload, s.ttl).Err(); err != nil {
		s.logger.Error("persist idempotent response", slog.Any("error", err))
		s.release()
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency persistence failure")
	}
	return nil
}

// release drops the reservation so the client can retry with the same key.
func (s *idempotencySlot) release() {
	if s.released {
		return
	}
	s.released = true
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyTimeout)
	defer cancel()
	if err := s.cache.Del(ctx, s.key).Err(); err != nil {
		s.logger.Warn("release idempotency key", slog.Any("error", err))
	}
}

func hashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
