package payments

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/congo-pay/btcvault/internal/chain"
	"github.com/congo-pay/btcvault/internal/chain/chaintest"
	"github.com/congo-pay/btcvault/internal/identity"
	"github.com/congo-pay/btcvault/internal/keyvault"
	"github.com/congo-pay/btcvault/internal/ledger"
	"github.com/congo-pay/btcvault/internal/logging"
	"github.com/congo-pay/btcvault/internal/queue"
	"github.com/congo-pay/btcvault/internal/spend"
	"github.com/congo-pay/btcvault/internal/spendlock"
	"github.com/congo-pay/btcvault/internal/wallet"
)

var params = &chaincfg.RegressionNetParams

const fundingTx = "abababababababababababababababababababababababababababababababab"

// users maps user ids to their passwords.
type users map[string]string

func (u users) Exists(_ context.Context, userID string) error {
	if _, ok := u[userID]; !ok {
		return identity.ErrUserNotFound
	}
	return nil
}

func (u users) ValidatePassword(_ context.Context, userID, password string) error {
	want, ok := u[userID]
	if !ok || want != password {
		return identity.ErrInvalidCredentials
	}
	return nil
}

type fixture struct {
	svc     *Service
	wallets *wallet.Service
	oracle  *chaintest.Oracle
	queue   *queue.MemoryQueue
	locks   *spendlock.MemoryLocker
	users   users
	deps    Deps
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	vault, err := keyvault.New(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	repo := wallet.NewMemoryRepository()
	q := queue.NewMemoryQueue(time.Minute, nil)
	u := users{}
	wallets := wallet.NewService(wallet.Deps{
		Repo:    repo,
		Entries: ledger.NewInMemory(repo, nil),
		Users:   u,
		Vault:   vault,
		Sync:    q,
		Params:  params,
		Logger:  logging.Discard(),
	})
	oracle := chaintest.New()
	locks := spendlock.NewMemoryLocker(nil)
	deps := Deps{
		Passwords: u,
		Wallets:   wallets,
		Vault:     vault,
		Oracle:    oracle,
		Sync:      q,
		Locks:     locks,
		Params:    params,
		Logger:    logging.Discard(),
	}
	return fixture{svc: NewService(deps), wallets: wallets, oracle: oracle, queue: q, locks: locks, users: u, deps: deps}
}

func (f fixture) newWallet(t *testing.T) (string, wallet.Wallet) {
	t.Helper()
	userID := uuid.NewString()
	f.users[userID] = "correct horse"
	w, err := f.wallets.Create(context.Background(), wallet.CreateInput{UserID: userID})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return userID, w
}

// fund gives address a single unspent output of value satoshis.
func (f fixture) fund(t *testing.T, address string, value int64) {
	t.Helper()
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	f.oracle.AddTx(chain.Tx{
		TxID: fundingTx,
		Vout: []chain.TxOutput{{ScriptPubKey: hex.EncodeToString(script), Address: address, Value: value}},
	})
	f.oracle.SetUTXOs(address, chain.UTXO{TxID: fundingTx, Vout: 0, Value: value})
}

func externalAddress(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), params)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	return addr.EncodeAddress()
}

func decodeTx(t *testing.T, rawHex string) *wire.MsgTx {
	t.Helper()
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		t.Fatalf("hex: %v", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	return &tx
}

func TestSendBroadcastsAndSchedulesSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, w := f.newWallet(t)
	f.fund(t, w.Address, 50_000)

	res, err := f.svc.Send(ctx, SendInput{
		UserID: owner, WalletID: w.ID, ToAddress: externalAddress(t), Amount: 10_000, Password: "correct horse",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// 1 sat/vB over 10 + 180 + 2*34 bytes.
	if res.Fee != 258 || res.Change != 50_000-10_000-258 || res.Inputs != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.oracle.Broadcasts) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(f.oracle.Broadcasts))
	}
	tx := decodeTx(t, f.oracle.Broadcasts[0])
	if tx.TxHash().String() != res.TxID {
		t.Fatalf("txid %s does not match broadcast tx %s", res.TxID, tx.TxHash())
	}
	if len(tx.TxOut) != 2 || tx.TxOut[0].Value != 10_000 || tx.TxOut[1].Value != res.Change {
		t.Fatalf("unexpected outputs: %+v", tx.TxOut)
	}

	pending := f.queue.Pending()
	if len(pending) != 1 || pending[0].WalletID != w.ID {
		t.Fatalf("expected one sync for the sender, got %+v", pending)
	}
}

func TestSendToInternalWalletSyncsRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, from := f.newWallet(t)
	_, to := f.newWallet(t)
	f.fund(t, from.Address, 50_000)

	if _, err := f.svc.Send(ctx, SendInput{
		UserID: owner, WalletID: from.ID, ToAddress: to.Address, Amount: 10_000, Password: "correct horse",
	}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	pending := f.queue.Pending()
	if len(pending) != 2 || pending[0].WalletID != from.ID || pending[1].WalletID != to.ID {
		t.Fatalf("expected sender then recipient sync, got %+v", pending)
	}
}

func TestSendRejectsSpentOutpointsUntilReservationExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, w := f.newWallet(t)
	f.fund(t, w.Address, 50_000)

	in := SendInput{UserID: owner, WalletID: w.ID, ToAddress: externalAddress(t), Amount: 10_000, Password: "correct horse"}
	if _, err := f.svc.Send(ctx, in); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	// The oracle still reports the funding output as unspent.
	if _, err := f.svc.Send(ctx, in); !errors.Is(err, spendlock.ErrReserved) {
		t.Fatalf("expected reserved outpoint, got %v", err)
	}
	if len(f.oracle.Broadcasts) != 1 {
		t.Fatalf("second send must not broadcast")
	}
}

func TestSendWhileLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, w := f.newWallet(t)
	f.fund(t, w.Address, 50_000)

	release, err := f.locks.Acquire(ctx, w.ID, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	_, err = f.svc.Send(ctx, SendInput{UserID: owner, WalletID: w.ID, ToAddress: externalAddress(t), Amount: 10_000, Password: "correct horse"})
	if !errors.Is(err, spendlock.ErrLocked) {
		t.Fatalf("expected locked wallet, got %v", err)
	}
}

func TestSendPreconditions(t *testing.T) {
	f := newFixture(t)
	owner, w := f.newWallet(t)
	stranger, _ := f.newWallet(t)
	f.fund(t, w.Address, 50_000)
	dest := externalAddress(t)

	cases := []struct {
		name  string
		input SendInput
		want  error
	}{
		{"below minimum", SendInput{UserID: owner, WalletID: w.ID, ToAddress: dest, Amount: 999, Password: "correct horse"}, ErrInvalidAmount},
		{"negative amount", SendInput{UserID: owner, WalletID: w.ID, ToAddress: dest, Amount: -5, Password: "correct horse"}, ErrInvalidAmount},
		{"wrong password", SendInput{UserID: owner, WalletID: w.ID, ToAddress: dest, Amount: 10_000, Password: "nope"}, identity.ErrInvalidCredentials},
		{"foreign wallet", SendInput{UserID: stranger, WalletID: w.ID, ToAddress: dest, Amount: 10_000, Password: "correct horse"}, wallet.ErrForbidden},
		{"unknown wallet", SendInput{UserID: owner, WalletID: uuid.NewString(), ToAddress: dest, Amount: 10_000, Password: "correct horse"}, wallet.ErrNotFound},
		{"garbage destination", SendInput{UserID: owner, WalletID: w.ID, ToAddress: "not-an-address", Amount: 10_000, Password: "correct horse"}, ErrInvalidDestination},
		{"mainnet destination", SendInput{UserID: owner, WalletID: w.ID, ToAddress: "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", Amount: 10_000, Password: "correct horse"}, ErrInvalidDestination},
		{"amount plus fee exceeds funds", SendInput{UserID: owner, WalletID: w.ID, ToAddress: dest, Amount: 49_900, Password: "correct horse"}, spend.ErrInsufficientFunds},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Send(context.Background(), tc.input)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if len(f.oracle.Broadcasts) != 0 || f.queue.Len() != 0 {
		t.Fatalf("failed sends must have no side effects")
	}
}

func TestSendWithoutFunds(t *testing.T) {
	f := newFixture(t)
	owner, w := f.newWallet(t)

	_, err := f.svc.Send(context.Background(), SendInput{UserID: owner, WalletID: w.ID, ToAddress: externalAddress(t), Amount: 10_000, Password: "correct horse"})
	if !errors.Is(err, spend.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestSendBroadcastRejected(t *testing.T) {
	f := newFixture(t)
	owner, w := f.newWallet(t)
	f.fund(t, w.Address, 50_000)
	f.oracle.BroadcastErr = fmt.Errorf("%w: min relay fee not met", chain.ErrBroadcastRejected)

	_, err := f.svc.Send(context.Background(), SendInput{UserID: owner, WalletID: w.ID, ToAddress: externalAddress(t), Amount: 10_000, Password: "correct horse"})
	if !errors.Is(err, ErrBroadcastFailed) || !errors.Is(err, chain.ErrBroadcastRejected) {
		t.Fatalf("expected broadcast failure, got %v", err)
	}
	if f.queue.Len() != 0 {
		t.Fatalf("nothing may be enqueued after a rejected broadcast")
	}

	// The wallet lock is released so the user can retry.
	f.oracle.BroadcastErr = nil
	if _, err := f.svc.Send(context.Background(), SendInput{UserID: owner, WalletID: w.ID, ToAddress: externalAddress(t), Amount: 10_000, Password: "correct horse"}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestSendOracleUnavailable(t *testing.T) {
	f := newFixture(t)
	owner, w := f.newWallet(t)
	f.fund(t, w.Address, 50_000)
	f.oracle.Err = chain.ErrUnavailable

	_, err := f.svc.Send(context.Background(), SendInput{UserID: owner, WalletID: w.ID, ToAddress: externalAddress(t), Amount: 10_000, Password: "correct horse"})
	if !errors.Is(err, chain.ErrUnavailable) {
		t.Fatalf("expected oracle unavailable, got %v", err)
	}
}

// slowBroadcaster delays broadcasts until delay passes or ctx ends.
type slowBroadcaster struct {
	*chaintest.Oracle
	delay time.Duration
}

func (o *slowBroadcaster) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	select {
	case <-time.After(o.delay):
		return o.Oracle.Broadcast(ctx, rawTxHex)
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", chain.ErrUnavailable, ctx.Err())
	}
}

func TestSendAbortsBeforeLockLeaseLapses(t *testing.T) {
	f := newFixture(t)
	owner, w := f.newWallet(t)
	f.fund(t, w.Address, 50_000)

	slow := &slowBroadcaster{Oracle: f.oracle, delay: 300 * time.Millisecond}
	deps := f.deps
	deps.Oracle = slow
	deps.LockTTL = 100 * time.Millisecond
	svc := NewService(deps)
	in := SendInput{UserID: owner, WalletID: w.ID, ToAddress: externalAddress(t), Amount: 10_000, Password: "correct horse"}

	started := time.Now()
	_, err := svc.Send(context.Background(), in)
	if !errors.Is(err, ErrSendExpired) {
		t.Fatalf("expected expired send, got %v", err)
	}
	if elapsed := time.Since(started); elapsed >= slow.delay {
		t.Fatalf("send waited %v for a broadcast it should have abandoned", elapsed)
	}
	if len(f.oracle.Broadcasts) != 0 || f.queue.Len() != 0 {
		t.Fatalf("an expired send must not broadcast or enqueue")
	}

	// The lock was released, so a prompt send goes through exactly once.
	slow.delay = 0
	if _, err := svc.Send(context.Background(), in); err != nil {
		t.Fatalf("follow-up send failed: %v", err)
	}
	if len(f.oracle.Broadcasts) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(f.oracle.Broadcasts))
	}
}

func TestLeaseBudgetStaysInsideTTL(t *testing.T) {
	for _, ttl := range []time.Duration{100 * time.Millisecond, 2 * time.Minute} {
		if got := leaseBudget(ttl); got <= 0 || got >= ttl {
			t.Fatalf("lease budget %v for ttl %v", got, ttl)
		}
	}
}

func TestHTTPErrorForOracleFailures(t *testing.T) {
	cases := []error{
		fmt.Errorf("%w: %w", ErrSendExpired, context.DeadlineExceeded),
		fmt.Errorf("fetch source tx: %w", chain.ErrTxNotFound),
		chain.ErrUnavailable,
	}
	for _, err := range cases {
		var fe *fiber.Error
		if !errors.As(httpError(err), &fe) || fe.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 for %v, got %v", err, httpError(err))
		}
	}
}

func TestHandlerSend(t *testing.T) {
	f := newFixture(t)
	owner, w := f.newWallet(t)
	f.fund(t, w.Address, 50_000)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", owner)
		return c.Next()
	})
	app.Post("/wallets/:walletId/send", NewHandler(f.svc).Send)

	send := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/wallets/"+w.ID+"/send", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		return resp.StatusCode
	}

	if code := send(`{"to_address":"` + externalAddress(t) + `","amount":10,"password":"correct horse"}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a tiny amount, got %d", code)
	}
	if code := send(`{"to_address":"` + externalAddress(t) + `","amount":10000,"password":"wrong"}`); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad password, got %d", code)
	}
	if code := send(`{"to_address":"` + externalAddress(t) + `","amount":10000,"password":"correct horse"}`); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if code := send(`{"to_address":"` + externalAddress(t) + `","amount":10000,"password":"correct horse"}`); code != http.StatusConflict {
		t.Fatalf("expected 409 while outputs are reserved, got %d", code)
	}
}
