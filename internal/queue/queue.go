// Package queue carries wallet sync requests from producers (send flow, API)
// to the reconciliation worker with at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultVisibility is the lease given to a received message when none is
// configured. It must outlast the worker's per-message timeout.
const DefaultVisibility = 2 * time.Minute

var (
	// ErrStaleReceipt is returned by Ack when the lease behind a receipt has
	// expired and the message was (or may be) handed to another consumer.
	ErrStaleReceipt = errors.New("stale receipt")

	// ErrMalformed marks a payload that can never be processed.
	ErrMalformed = errors.New("malformed message")
)

// SyncRequest asks the worker to reconcile one wallet.
type SyncRequest struct {
	WalletID string `json:"walletId"`
}

// Message is a leased delivery. Receipt must be passed back to Ack.
type Message struct {
	ID      string
	Body    []byte
	Receipt string
}

// Producer enqueues sync requests.
type Producer interface {
	Enqueue(ctx context.Context, req SyncRequest) error
}

// Consumer leases messages and acknowledges them once handled. Receive blocks
// for at most wait and returns a nil message when nothing became visible.
type Consumer interface {
	Receive(ctx context.Context, wait time.Duration) (*Message, error)
	Ack(ctx context.Context, receipt string) error
}

// EncodeSyncRequest is the wire form of a SyncRequest.
func EncodeSyncRequest(req SyncRequest) ([]byte, error) {
	if strings.TrimSpace(req.WalletID) == "" {
		return nil, fmt.Errorf("%w: wallet id is required", ErrMalformed)
	}
	return json.Marshal(req)
}

// DecodeSyncRequest parses a message body.
func DecodeSyncRequest(body []byte) (SyncRequest, error) {
	var req SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return SyncRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	req.WalletID = strings.TrimSpace(req.WalletID)
	if req.WalletID == "" {
		return SyncRequest{}, fmt.Errorf("%w: wallet id is required", ErrMalformed)
	}
	return req, nil
}

func encodeReceipt(id string, lease int64) string {
	return fmt.Sprintf("%s|%d", id, lease)
}

func decodeReceipt(receipt string) (string, string, error) {
	id, lease, ok := strings.Cut(receipt, "|")
	if !ok || id == "" || lease == "" {
		return "", "", fmt.Errorf("invalid receipt %q", receipt)
	}
	return id, lease, nil
}
