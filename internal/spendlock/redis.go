package spendlock

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/btcvault/internal/logging"
)

const (
	lockPrefix    = "spendlock:v1:wallet:"
	reservePrefix = "spendlock:v1:outpoint:"
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every API replica.
type RedisLocker struct {
	client *redis.Client
	logger *slog.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker builds a Locker on a Redis client.
func NewRedisLocker(client *redis.Client, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{client: client, logger: logging.Component(logger, "spendlock")}
}

// Acquire takes the wallet's send lock with SET NX. The returned release only
// deletes the lock while it still carries this call's token.
func (l *RedisLocker) Acquire(ctx context.Context, walletID string, ttl time.Duration) (func(), error) {
	key := lockPrefix + walletID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire send lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("send lock release failed", slog.String("wallet_id", walletID), slog.Any("error", err))
		}
	}
	return release, nil
}

// Reserve marks outpoints as spent for ttl.
func (l *RedisLocker) Reserve(ctx context.Context, walletID string, outpoints []Outpoint, ttl time.Duration) error {
	if len(outpoints) == 0 {
		return nil
	}
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range outpoints {
			pipe.Set(ctx, reserveKey(walletID, op), "1", ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reserve outpoints: %w", err)
	}
	return nil
}

// CheckFree returns ErrReserved when any outpoint is still reserved.
func (l *RedisLocker) CheckFree(ctx context.Context, walletID string, outpoints []Outpoint) error {
	if len(outpoints) == 0 {
		return nil
	}
	keys := make([]string, len(outpoints))
	for i, op := range outpoints {
		keys[i] = reserveKey(walletID, op)
	}
	n, err := l.client.Exists(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("check reservations: %w", err)
	}
	if n > 0 {
		return ErrReserved
	}
	return nil
}

func reserveKey(walletID string, op Outpoint) string {
	return reservePrefix + walletID + ":" + op.TxID + ":" + strconv.FormatUint(uint64(op.Index), 10)
}
