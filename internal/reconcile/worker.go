package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/congo-pay/btcvault/internal/logging"
	"github.com/congo-pay/btcvault/internal/queue"
	"github.com/congo-pay/btcvault/internal/wallet"
)

const (
	defaultWait    = 5 * time.Second
	defaultTimeout = time.Minute
)

// WorkerOptions tunes the consume loop.
type WorkerOptions struct {
	// Wait bounds a single receive call.
	Wait time.Duration
	// Timeout bounds the processing of one message.
	Timeout time.Duration
	Clock   clock.Clock
}

// Worker consumes sync requests one at a time.
type Worker struct {
	consumer   queue.Consumer
	reconciler *Reconciler
	wait       time.Duration
	timeout    time.Duration
	clock      clock.Clock
	logger     *slog.Logger
}

// NewWorker builds a worker around a queue consumer.
func NewWorker(consumer queue.Consumer, reconciler *Reconciler, opts WorkerOptions, logger *slog.Logger) *Worker {
	if opts.Wait <= 0 {
		opts.Wait = defaultWait
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewDefaultClock()
	}
	return &Worker{
		consumer:   consumer,
		reconciler: reconciler,
		wait:       opts.Wait,
		timeout:    opts.Timeout,
		clock:      opts.Clock,
		logger:     logging.Component(logger, "sync-worker"),
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("sync worker started", slog.Duration("wait", w.wait), slog.Duration("timeout", w.timeout))
	defer w.logger.Info("sync worker stopped")

	for ctx.Err() == nil {
		if _, err := w.Step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("receive failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-w.clock.TickAfter(w.wait):
			}
		}
	}
	return nil
}

// Step receives and handles at most one message. It reports whether a message
// was received; the error is only non-nil when receiving failed.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	msg, err := w.consumer.Receive(ctx, w.wait)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	w.handle(ctx, msg)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, msg *queue.Message) {
	logger := w.logger.With(slog.String("message_id", msg.ID))

	req, err := queue.DecodeSyncRequest(msg.Body)
	if err != nil {
		logger.Warn("dropping malformed sync request", slog.Any("error", err))
		w.ack(ctx, logger, msg)
		return
	}
	logger = logger.With(slog.String("wallet_id", req.WalletID))

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if _, err := w.reconciler.SyncWallet(runCtx, req.WalletID); err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			logger.Warn("dropping sync request for unknown wallet")
			w.ack(ctx, logger, msg)
			return
		}
		logger.Error("transaction sync failed, leaving message for redelivery", slog.Any("error", err))
		return
	}
	if _, err := w.reconciler.SyncBalance(runCtx, req.WalletID); err != nil {
		logger.Error("balance sync failed, leaving message for redelivery", slog.Any("error", err))
		return
	}
	w.ack(ctx, logger, msg)
}

func (w *Worker) ack(ctx context.Context, logger *slog.Logger, msg *queue.Message) {
	if err := w.consumer.Ack(ctx, msg.Receipt); err != nil {
		logger.Warn("ack failed, message will be redelivered", slog.Any("error", err))
	}
}
