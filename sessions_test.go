package gateway

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type fakeCheckout struct {
	mu       sync.Mutex
	nextID   string
	nextURL  string
	amount   int64
	err      error
	requests []string
}

func (f *fakeCheckout) CreateSession(ctx context.Context, userID string) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, userID)
	if f.err != nil {
		return CheckoutSession{}, f.err
	}
	return CheckoutSession{ID: f.nextID, URL: f.nextURL, AmountTotal: f.amount}, nil
}

func testConfig() *Config {
	return &Config{
		StripeSecretKey:     "sk_test_x",
		StripePriceID:       "price_x",
		StripeWebhookSecret: "whsec_x",
		WalletMasterKey:     []byte("master-key-for-session-tests!!!!"),
		RPCURL:              "http://rpc.invalid",
		TokenAddress:        testToken,
		CryptoPrice:         big.NewInt(5_000_000),
		BaseURL:             "http://gate.test",
		SessionTTL:          time.Minute,
		PollInterval:        2 * time.Millisecond,
	}
}

func TestCreateCardSession(t *testing.T) {
	cfg := testConfig()
	checkout := &fakeCheckout{nextID: "cs_test_1", nextURL: "https://checkout.test/pay/1", amount: 500}
	store := NewCredentialStore()
	m := NewSessionManager(cfg, store, checkout, nil)
	defer m.Shutdown()

	sess, err := m.CreateCardSession(context.Background(), "u1")
	if err != nil {
		t.Fatalf("create card session: %v", err)
	}
	if sess.RedirectURL != "https://checkout.test/pay/1" {
		t.Errorf("unexpected redirect url %q", sess.RedirectURL)
	}
	if sess.CheckoutSessionID != "cs_test_1" {
		t.Errorf("unexpected checkout session id %q", sess.CheckoutSessionID)
	}

	retrievalID, ok := m.Finalize("cs_test_1", big.NewInt(500))
	if !ok || retrievalID != "cs_test_1" {
		t.Fatalf("finalize: got (%q, %v), want (cs_test_1, true)", retrievalID, ok)
	}
	secret, ok := store.RetrieveForSession(retrievalID)
	if !ok || !strings.HasPrefix(secret, CredentialPrefix) {
		t.Errorf("expected a pending %s credential, got (%q, %v)", CredentialPrefix, secret, ok)
	}
}

func TestCreateCardSession_RailUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.StripeSecretKey = ""
	m := NewSessionManager(cfg, NewCredentialStore(), nil, nil)
	defer m.Shutdown()

	if _, err := m.CreateCardSession(context.Background(), "u1"); !errors.Is(err, ErrRailUnavailable) {
		t.Errorf("expected ErrRailUnavailable, got %v", err)
	}
}

func TestCreateCryptoSession_RailUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.WalletMasterKey = nil
	m := NewSessionManager(cfg, NewCredentialStore(), nil, &fakeChain{head: 10})
	defer m.Shutdown()

	if _, err := m.CreateCryptoSession(context.Background(), "u1"); !errors.Is(err, ErrRailUnavailable) {
		t.Errorf("expected ErrRailUnavailable, got %v", err)
	}
}

func TestCreateCryptoSession_FreshAddressPerSession(t *testing.T) {
	cfg := testConfig()
	chain := &fakeChain{head: 10}
	m := NewSessionManager(cfg, NewCredentialStore(), nil, chain)
	defer m.Shutdown()

	a, err := m.CreateCryptoSession(context.Background(), "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := m.CreateCryptoSession(context.Background(), "u2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.DepositAddress == b.DepositAddress {
		t.Error("two live sessions share a deposit address")
	}
	if a.DepositAddress != strings.ToLower(a.DepositAddress) {
		t.Error("deposit address should be lower-cased")
	}
	if a.Amount.Cmp(cfg.CryptoPrice) != 0 {
		t.Errorf("expected amount %v, got %v", cfg.CryptoPrice, a.Amount)
	}

	if _, ok := m.CryptoSessionStatus(a.DepositAddress); !ok {
		t.Error("live session should be reported by status lookup")
	}
	if _, ok := m.CryptoSessionStatus("0x9999999999999999999999999999999999999999"); ok {
		t.Error("unknown address should not be reported")
	}
}

func TestFinalize_UnknownKey(t *testing.T) {
	m := NewSessionManager(testConfig(), NewCredentialStore(), nil, nil)
	defer m.Shutdown()

	if _, ok := m.Finalize("cs_never_created", big.NewInt(1)); ok {
		t.Error("finalize of an unknown key must fail")
	}
}

func TestFinalize_UnderpaymentKeepsSessionLive(t *testing.T) {
	cfg := testConfig()
	store := NewCredentialStore()
	chain := &fakeChain{head: 10}
	m := NewSessionManager(cfg, store, nil, chain)
	defer m.Shutdown()

	sess, err := m.CreateCryptoSession(context.Background(), "u2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	half := new(big.Int).Rsh(cfg.CryptoPrice, 1)
	if _, ok := m.Finalize(sess.DepositAddress, half); ok {
		t.Fatal("underpayment must not finalize")
	}
	if _, ok := m.CryptoSessionStatus(sess.DepositAddress); !ok {
		t.Fatal("underpaid session must stay live")
	}

	// A later transfer that meets the price still succeeds.
	retrievalID, ok := m.Finalize(sess.DepositAddress, cfg.CryptoPrice)
	if !ok {
		t.Fatal("full payment after underpayment should finalize")
	}
	if retrievalID != CryptoRetrievalID(sess.DepositAddress) {
		t.Errorf("unexpected retrieval id %q", retrievalID)
	}
	if _, ok := store.RetrieveForSession(retrievalID); !ok {
		t.Error("credential should be pending after finalize")
	}
}

func TestFinalize_OverpaymentAccepted(t *testing.T) {
	cfg := testConfig()
	m := NewSessionManager(cfg, NewCredentialStore(), nil, &fakeChain{head: 10})
	defer m.Shutdown()

	sess, err := m.CreateCryptoSession(context.Background(), "u2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	double := new(big.Int).Lsh(cfg.CryptoPrice, 1)
	if _, ok := m.Finalize(sess.DepositAddress, double); !ok {
		t.Error("overpayment should finalize")
	}
}

func TestFinalize_ExactlyOnceUnderConcurrency(t *testing.T) {
	cfg := testConfig()
	m := NewSessionManager(cfg, NewCredentialStore(), nil, &fakeChain{head: 10})
	defer m.Shutdown()

	sess, err := m.CreateCryptoSession(context.Background(), "u2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const callers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := m.Finalize(sess.DepositAddress, cfg.CryptoPrice); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one finalize winner, got %d", wins)
	}
}

func TestExpiredSessionCannotFinalize(t *testing.T) {
	cfg := testConfig()
	cfg.SessionTTL = 20 * time.Millisecond
	store := NewCredentialStore()
	m := NewSessionManager(cfg, store, nil, &fakeChain{head: 10})
	defer m.Shutdown()

	sess, err := m.CreateCryptoSession(context.Background(), "u2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, func() bool {
		_, live := m.CryptoSessionStatus(sess.DepositAddress)
		return !live
	})

	if _, ok := m.Finalize(sess.DepositAddress, cfg.CryptoPrice); ok {
		t.Error("a late payment must not finalize an expired session")
	}
	if _, ok := store.RetrieveForSession(CryptoRetrievalID(sess.DepositAddress)); ok {
		t.Error("no credential may exist for an expired session")
	}
}

func TestExpiryAfterFinalizeIsNoOp(t *testing.T) {
	cfg := testConfig()
	cfg.SessionTTL = 30 * time.Millisecond
	store := NewCredentialStore()
	m := NewSessionManager(cfg, store, nil, &fakeChain{head: 10})
	defer m.Shutdown()

	sess, err := m.CreateCryptoSession(context.Background(), "u2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	retrievalID, ok := m.Finalize(sess.DepositAddress, cfg.CryptoPrice)
	if !ok {
		t.Fatal("finalize should win before the TTL")
	}

	// Let the expiry timer fire; the already-issued credential must survive.
	time.Sleep(60 * time.Millisecond)
	if _, ok := store.RetrieveForSession(retrievalID); !ok {
		t.Error("expiry after finalize must not revoke the pending credential")
	}
}

func TestCryptoSession_EndToEndViaWatcher(t *testing.T) {
	cfg := testConfig()
	store := NewCredentialStore()
	chain := &fakeChain{head: 100}
	m := NewSessionManager(cfg, store, nil, chain)
	defer m.Shutdown()

	sess, err := m.CreateCryptoSession(context.Background(), "u2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	deposit := common.HexToAddress(sess.DepositAddress)

	// Underpayment first: half the price lands on-chain.
	half := new(big.Int).Rsh(cfg.CryptoPrice, 1)
	chain.addTransfer(101, testPayer, deposit, half)
	chain.setHead(101)

	time.Sleep(20 * time.Millisecond)
	if _, live := m.CryptoSessionStatus(sess.DepositAddress); !live {
		t.Fatal("session must survive an underpaid transfer")
	}

	// Then a qualifying transfer.
	chain.addTransfer(102, testPayer, deposit, cfg.CryptoPrice)
	chain.setHead(102)

	retrievalID := CryptoRetrievalID(sess.DepositAddress)
	var secret string
	waitFor(t, func() bool {
		got, ok := store.RetrieveForSession(retrievalID)
		if ok {
			secret = got
		}
		return ok
	})

	if !strings.HasPrefix(secret, CredentialPrefix) {
		t.Errorf("expected a %s credential, got %q", CredentialPrefix, secret)
	}
	if _, live := m.CryptoSessionStatus(sess.DepositAddress); live {
		t.Error("finalized session should no longer be live")
	}
}

func TestRails(t *testing.T) {
	cfg := testConfig()
	m := NewSessionManager(cfg, NewCredentialStore(), nil, &fakeChain{head: 1})
	rails := m.Rails()
	if len(rails) != 2 || rails[0].Rail != RailCard || rails[1].Rail != RailCrypto {
		t.Fatalf("expected card+crypto rails, got %+v", rails)
	}
	if rails[1].Amount != cfg.CryptoPrice.String() {
		t.Errorf("crypto rail should advertise the price, got %q", rails[1].Amount)
	}

	cfg2 := testConfig()
	cfg2.WalletMasterKey = nil
	m2 := NewSessionManager(cfg2, NewCredentialStore(), nil, nil)
	rails2 := m2.Rails()
	if len(rails2) != 1 || rails2[0].Rail != RailCard {
		t.Fatalf("expected only the card rail without a master key, got %+v", rails2)
	}
}
