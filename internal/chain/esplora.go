package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/congo-pay/btcvault/internal/logging"
)

const (
	// confirmedPageSize is the number of confirmed transactions Esplora
	// returns per history page.
	confirmedPageSize = 25

	// maxHistoryPages bounds the pagination walk for a single address.
	maxHistoryPages = 400

	maxErrorBody = 512
)

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API, e.g.
	// https://blockstream.info/testnet/api.
	URL string

	// RequestTimeout bounds each individual HTTP request.
	RequestTimeout time.Duration

	// MaxRetries is the number of extra attempts made after a transport
	// failure or a 5xx answer on idempotent requests.
	MaxRetries int

	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64
}

// EsploraClient is an Oracle backed by the Esplora REST API.
type EsploraClient struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ Oracle = (*EsploraClient)(nil)

// NewEsploraClient creates a client for the given API.
func NewEsploraClient(cfg ClientConfig, logger *slog.Logger) *EsploraClient {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &EsploraClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(limit, 1+int(cfg.RequestsPerSecond)),
		logger:     logging.Component(logger, "esplora"),
	}
}

// UTXOs fetches the unspent outputs of an address, mempool included.
func (c *EsploraClient) UTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var utxos []UTXO
	if err := c.getJSON(ctx, "/address/"+address+"/utxo", &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

// FeeEstimates fetches fee rates for the provider's confirmation targets.
func (c *EsploraClient) FeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var estimates FeeEstimates
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return nil, err
	}
	return estimates, nil
}

// AddressTransactions returns the full history of an address: every mempool
// transaction followed by confirmed ones, newest first. The confirmed part is
// paginated by Esplora, so pages are walked until a short one comes back.
func (c *EsploraClient) AddressTransactions(ctx context.Context, address string) ([]Tx, error) {
	var page []Tx
	if err := c.getJSON(ctx, "/address/"+address+"/txs", &page); err != nil {
		return nil, err
	}

	txs := page
	confirmed := confirmedTail(page)
	for pages := 1; len(confirmed) == confirmedPageSize; pages++ {
		if pages >= maxHistoryPages {
			c.logger.Warn("address history truncated", slog.String("address", address), slog.Int("pages", pages))
			break
		}
		lastSeen := confirmed[len(confirmed)-1].TxID

		page = nil
		if err := c.getJSON(ctx, "/address/"+address+"/txs/chain/"+lastSeen, &page); err != nil {
			return nil, err
		}
		txs = append(txs, page...)
		confirmed = page
	}

	return txs, nil
}

// Transaction fetches a single transaction with prevouts resolved.
func (c *EsploraClient) Transaction(ctx context.Context, txid string) (Tx, error) {
	var tx Tx
	if err := c.getJSON(ctx, "/tx/"+txid, &tx); err != nil {
		return Tx{}, err
	}
	return tx, nil
}

// Broadcast submits a hex-encoded raw transaction and returns its txid. It is
// never retried on a definitive answer: a rejected transaction surfaces as
// ErrBroadcastRejected.
func (c *EsploraClient) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/tx", []byte(rawTxHex), false)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusOK:
		return strings.TrimSpace(string(body)), nil
	case status >= http.StatusInternalServerError:
		return "", fmt.Errorf("%w: broadcast status %d: %s", ErrUnavailable, status, truncate(body))
	default:
		return "", fmt.Errorf("%w: %s", ErrBroadcastRejected, truncate(body))
	}
}

func (c *EsploraClient) getJSON(ctx context.Context, path string, dst any) error {
	status, body, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrTxNotFound, path)
	case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: GET %s returned %d", ErrUnavailable, path, status)
	default:
		return fmt.Errorf("GET %s returned %d: %s", path, status, truncate(body))
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do performs an HTTP request, retrying transport failures and, when
// retryStatus is set, 5xx/429 answers with a linear backoff.
func (c *EsploraClient) do(ctx context.Context, method, path string, payload []byte, retryStatus bool) (int, []byte, error) {
	url := c.cfg.URL + path

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			select {
			case <-ctx.Done():
				return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return 0, nil, fmt.Errorf("create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Debug("esplora request failed", slog.String("method", method), slog.String("path", path), slog.Int("attempt", attempt), slog.Any("error", err))
			if errors.Is(err, context.Canceled) {
				break
			}
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		retryable := resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
		if retryStatus && retryable && attempt < c.cfg.MaxRetries {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}

		return resp.StatusCode, respBody, nil
	}

	return 0, nil, fmt.Errorf("%w: %s %s failed after %d attempts: %v", ErrUnavailable, method, path, c.cfg.MaxRetries+1, lastErr)
}

// confirmedTail returns the trailing confirmed transactions of a history page.
func confirmedTail(page []Tx) []Tx {
	for i, tx := range page {
		if tx.Status.Confirmed {
			return page[i:]
		}
	}
	return nil
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
