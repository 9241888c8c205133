package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/btcvault/internal/logging"
)

const defaultPollInterval = 250 * time.Millisecond

// receiveScript leases the oldest visible message by pushing its score to the
// lease deadline. KEYS: ready, bodies. ARGV: now, leaseUntil.
var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local body = redis.call('HGET', KEYS[2], id)
if not body then
  redis.call('ZREM', KEYS[1], id)
  return false
end
redis.call('ZADD', KEYS[1], ARGV[2], id)
return {id, body}
`)

// ackScript deletes a message only while the caller still holds its lease.
// KEYS: ready, bodies. ARGV: id, lease.
var ackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// RedisOptions tunes a RedisQueue.
type RedisOptions struct {
	Name         string
	Visibility   time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
}

// RedisQueue is a lease queue on a sorted set (id scored by visible-at ms)
// and a hash of bodies.
type RedisQueue struct {
	client       *redis.Client
	readyKey     string
	bodiesKey    string
	visibility   time.Duration
	pollInterval time.Duration
	clock        clock.Clock
	logger       *slog.Logger
}

var (
	_ Producer = (*RedisQueue)(nil)
	_ Consumer = (*RedisQueue)(nil)
)

// NewRedisQueue binds a queue to a Redis client.
func NewRedisQueue(client *redis.Client, opts RedisOptions, logger *slog.Logger) *RedisQueue {
	if opts.Visibility <= 0 {
		opts.Visibility = DefaultVisibility
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewDefaultClock()
	}
	return &RedisQueue{
		client:       client,
		readyKey:     opts.Name + ":ready",
		bodiesKey:    opts.Name + ":bodies",
		visibility:   opts.Visibility,
		pollInterval: opts.PollInterval,
		clock:        opts.Clock,
		logger:       logging.Component(logger, "queue"),
	}
}

// Enqueue stores the request and makes it visible immediately.
func (q *RedisQueue) Enqueue(ctx context.Context, req SyncRequest) error {
	body, err := EncodeSyncRequest(req)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	now := q.clock.Now().UnixMilli()

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.bodiesKey, id, body)
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: float64(now), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue sync request: %w", err)
	}

	q.logger.Debug("sync request enqueued", slog.String("message_id", id), slog.String("wallet_id", req.WalletID))
	return nil
}

// Receive leases the oldest visible message, polling every PollInterval until
// wait has passed on the queue's clock.
func (q *RedisQueue) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	deadline := q.clock.TickAfter(wait)
	poll := time.NewTicker(q.pollInterval)
	defer poll.Stop()
	for {
		msg, err := q.tryReceive(ctx)
		if err != nil || msg != nil {
			return msg, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return q.tryReceive(ctx)
		case <-poll.C:
		}
	}
}

func (q *RedisQueue) tryReceive(ctx context.Context) (*Message, error) {
	now := q.clock.Now()
	lease := now.Add(q.visibility).UnixMilli()

	res, err := receiveScript.Run(ctx, q.client, []string{q.readyKey, q.bodiesKey}, now.UnixMilli(), lease).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("receive: unexpected reply of %d elements", len(res))
	}

	return &Message{ID: res[0], Body: []byte(res[1]), Receipt: encodeReceipt(res[0], lease)}, nil
}

// Ack deletes a leased message. A receipt whose lease was superseded returns
// ErrStaleReceipt and leaves the message in place.
func (q *RedisQueue) Ack(ctx context.Context, receipt string) error {
	id, lease, err := decodeReceipt(receipt)
	if err != nil {
		return err
	}
	deleted, err := ackScript.Run(ctx, q.client, []string{q.readyKey, q.bodiesKey}, id, lease).Int()
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrStaleReceipt, id)
	}
	return nil
}
