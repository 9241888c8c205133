package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
)

type memoryItem struct {
	id        string
	body      []byte
	visibleAt int64
}

// MemoryQueue mirrors RedisQueue's lease semantics in process. It is used by
// tests and single-binary development runs.
type MemoryQueue struct {
	mu         sync.Mutex
	items      []*memoryItem
	visibility time.Duration
	clock      clock.Clock
	signal     chan struct{}
}

var (
	_ Producer = (*MemoryQueue)(nil)
	_ Consumer = (*MemoryQueue)(nil)
)

// NewMemoryQueue builds an in-process queue whose leases and receive deadlines
// follow clk.
func NewMemoryQueue(visibility time.Duration, clk clock.Clock) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &MemoryQueue{visibility: visibility, clock: clk, signal: make(chan struct{}, 1)}
}

// Enqueue stores the request and wakes a waiting receiver.
func (q *MemoryQueue) Enqueue(_ context.Context, req SyncRequest) error {
	body, err := EncodeSyncRequest(req)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.items = append(q.items, &memoryItem{id: uuid.NewString(), body: body, visibleAt: q.clock.Now().UnixMilli()})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Receive leases the oldest visible message, waiting until wait has passed
// on the queue's clock.
func (q *MemoryQueue) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	deadline := q.clock.TickAfter(wait)
	for {
		if msg := q.tryReceive(); msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return q.tryReceive(), nil
		case <-q.signal:
		}
	}
}

func (q *MemoryQueue) tryReceive() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var oldest *memoryItem
	for _, it := range q.items {
		if it.visibleAt <= now.UnixMilli() && (oldest == nil || it.visibleAt < oldest.visibleAt) {
			oldest = it
		}
	}
	if oldest == nil {
		return nil
	}
	oldest.visibleAt = now.Add(q.visibility).UnixMilli()
	return &Message{ID: oldest.id, Body: oldest.body, Receipt: encodeReceipt(oldest.id, oldest.visibleAt)}
}

// Ack removes a leased message. A superseded receipt returns ErrStaleReceipt.
func (q *MemoryQueue) Ack(_ context.Context, receipt string) error {
	id, lease, err := decodeReceipt(receipt)
	if err != nil {
		return err
	}
	leaseAt, err := strconv.ParseInt(lease, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid receipt %q: %w", receipt, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.id == id && it.visibleAt == leaseAt {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrStaleReceipt, id)
}

// Len reports stored messages, leased ones included.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the decoded requests still stored, oldest first.
func (q *MemoryQueue) Pending() []SyncRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SyncRequest, 0, len(q.items))
	for _, it := range q.items {
		if req, err := DecodeSyncRequest(it.body); err == nil {
			out = append(out, req)
		}
	}
	return out
}

// PushRaw stores a body without validating it.
func (q *MemoryQueue) PushRaw(body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, &memoryItem{id: uuid.NewString(), body: body, visibleAt: q.clock.Now().UnixMilli()})
}
