package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// cryptoRetrievalPrefix prefixes the retrieval id synthesized for on-chain
// sessions, which have no provider-issued session id.
const cryptoRetrievalPrefix = "crypto_"

// CryptoRetrievalID maps a deposit address to the retrieval id under which
// the session's credential is parked once the transfer lands.
func CryptoRetrievalID(depositAddress string) string {
	return cryptoRetrievalPrefix + strings.ToLower(depositAddress)
}

// Checkout is the card-provider surface the session manager needs.
type Checkout interface {
	CreateSession(ctx context.Context, userID string) (CheckoutSession, error)
}

// paymentSession is one in-flight payment attempt on either rail. Presence
// in the manager's live map is the single source of truth for "undecided";
// there is no separate finalized flag.
type paymentSession struct {
	id        string
	userID    string
	rail      Rail
	key       string
	expected  *big.Int
	createdAt time.Time
	expiresAt time.Time
	watcher   *TransferWatcher
	expiry    *time.Timer
}

func (s *paymentSession) retrievalID() string {
	if s.rail == RailCrypto {
		return CryptoRetrievalID(s.key)
	}
	return s.key
}

// release stops the session's watcher and expiry timer. Safe to call after
// either has already fired.
func (s *paymentSession) release() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.expiry != nil {
		s.expiry.Stop()
	}
}

// SessionManager owns the lifecycle of payment attempts on both rails:
// creation, address derivation and watcher startup for the on-chain rail,
// TTL-driven expiry, exactly-once finalization, and credential issuance.
type SessionManager struct {
	cfg      *Config
	creds    *CredentialStore
	checkout Checkout
	chain    ChainReader

	mu   sync.Mutex
	live map[string]*paymentSession

	// nextIndex is the sole derivation state for deposit addresses. It is
	// monotonic and indices are never recycled, even after expiry, so a
	// late transfer can only ever correlate with the session that owned
	// the address.
	nextIndex uint32
}

// NewSessionManager wires a session manager. checkout may be nil when the
// card rail is unconfigured, chain may be nil when the on-chain rail is.
func NewSessionManager(cfg *Config, creds *CredentialStore, checkout Checkout, chain ChainReader) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		creds:    creds,
		checkout: checkout,
		chain:    chain,
		live:     make(map[string]*paymentSession),
	}
}

// Rails lists the payment rails to advertise in 402 responses. The card rail
// is always listed so clients learn its initiation endpoint; the on-chain
// rail appears only when its configuration is present.
func (m *SessionManager) Rails() []RailInfo {
	rails := []RailInfo{{
		Rail:        RailCard,
		InitiateURL: m.cfg.BaseURL + "/payments/card/create-session",
		Unit:        "usd",
		Description: "Card checkout; the redirect URL completes payment in the browser.",
	}}
	if m.cfg.CryptoEnabled() {
		rails = append(rails, RailInfo{
			Rail:        RailCrypto,
			InitiateURL: m.cfg.BaseURL + "/payments/crypto/initiate",
			Amount:      m.cfg.CryptoPrice.String(),
			Unit:        "usdc-base-units",
			Description: "USDC transfer to a per-session deposit address.",
		})
	}
	return rails
}

// CreateCardSession starts a card checkout for userID and registers a live
// session keyed by the provider's checkout-session id.
func (m *SessionManager) CreateCardSession(ctx context.Context, userID string) (*CardSession, error) {
	if !m.cfg.CardEnabled() || m.checkout == nil {
		return nil, ErrRailUnavailable
	}

	cs, err := m.checkout.CreateSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	sess := &paymentSession{
		id:        uuid.NewString(),
		userID:    userID,
		rail:      RailCard,
		key:       cs.ID,
		expected:  big.NewInt(cs.AmountTotal),
		createdAt: time.Now(),
		expiresAt: time.Now().Add(m.cfg.SessionTTL),
	}
	m.register(sess)

	slog.Info("card session created",
		"session", sess.id, "user", userID, "checkout_session", cs.ID)
	return &CardSession{
		CheckoutSessionID: cs.ID,
		RedirectURL:       cs.URL,
		ExpiresAt:         sess.expiresAt,
	}, nil
}

// CreateCryptoSession derives a fresh deposit address for userID and starts
// a transfer watcher from the current chain head, so transfers mined before
// session creation can never satisfy it.
func (m *SessionManager) CreateCryptoSession(ctx context.Context, userID string) (*CryptoSession, error) {
	if !m.cfg.CryptoEnabled() || m.chain == nil {
		return nil, ErrRailUnavailable
	}

	m.mu.Lock()
	index := m.nextIndex
	m.nextIndex++
	m.mu.Unlock()

	addr, err := DeriveAddress(m.cfg.WalletMasterKey, index)
	if err != nil {
		return nil, err
	}

	head, err := m.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain head: %w", err)
	}

	key := strings.ToLower(addr.Hex())
	sess := &paymentSession{
		id:        uuid.NewString(),
		userID:    userID,
		rail:      RailCrypto,
		key:       key,
		expected:  new(big.Int).Set(m.cfg.CryptoPrice),
		createdAt: time.Now(),
		expiresAt: time.Now().Add(m.cfg.SessionTTL),
	}
	m.register(sess)

	watcher := StartTransferWatcher(m.chain, m.cfg.TokenAddress, addr, head, m.cfg.PollInterval,
		func(from ethcommon.Address, amount *big.Int) {
			if _, ok := m.Finalize(key, amount); ok {
				slog.Info("on-chain transfer accepted",
					"session", sess.id, "deposit_address", key, "from", from.Hex(), "amount", amount)
			}
		},
	)

	m.mu.Lock()
	if cur, ok := m.live[key]; ok && cur == sess {
		sess.watcher = watcher
		m.mu.Unlock()
	} else {
		// Session already expired or finalized before the watcher handle
		// could be attached.
		m.mu.Unlock()
		watcher.Stop()
	}

	slog.Info("crypto session created",
		"session", sess.id, "user", userID, "deposit_address", key,
		"from_block", head, "index", index)
	return &CryptoSession{
		DepositAddress: key,
		Amount:         new(big.Int).Set(sess.expected),
		ExpiresAt:      sess.expiresAt,
		RetrieveKeyURL: m.cfg.BaseURL + "/payments/crypto/key?deposit_address=" + key,
	}, nil
}

// register inserts the session into the live map and arms its expiry timer.
func (m *SessionManager) register(sess *paymentSession) {
	m.mu.Lock()
	m.live[sess.key] = sess
	sess.expiry = time.AfterFunc(time.Until(sess.expiresAt), func() { m.expire(sess) })
	m.mu.Unlock()
}

// expire removes a session that reached its TTL. If finalize won the race
// the session is already gone and this is a no-op.
func (m *SessionManager) expire(sess *paymentSession) {
	m.mu.Lock()
	cur, ok := m.live[sess.key]
	if !ok || cur != sess {
		m.mu.Unlock()
		return
	}
	delete(m.live, sess.key)
	m.mu.Unlock()

	sess.release()
	slog.Info("payment session expired", "session", sess.id, "rail", sess.rail, "key", sess.key)
}

// Finalize records an observed payment for the session with the given
// correlation key. It returns the retrieval id for the issued credential,
// or ok=false when the key is unknown (never existed, already finalized,
// or expired - deliberately indistinguishable), when the session's TTL has
// passed, or when observed falls short of the expected amount. An underpaid
// session stays live so a later, larger payment can still qualify before
// expiry. Removal from the live map is the finalization claim: of any
// number of concurrent calls for one session, exactly one wins.
func (m *SessionManager) Finalize(correlationKey string, observed *big.Int) (string, bool) {
	m.mu.Lock()
	sess, ok := m.live[correlationKey]
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	if time.Now().After(sess.expiresAt) {
		delete(m.live, correlationKey)
		m.mu.Unlock()
		sess.release()
		slog.Info("payment after expiry ignored", "session", sess.id, "key", correlationKey)
		return "", false
	}
	if observed == nil || observed.Cmp(sess.expected) < 0 {
		m.mu.Unlock()
		slog.Info("underpayment ignored, session stays live",
			"session", sess.id, "key", correlationKey, "observed", observed, "expected", sess.expected)
		return "", false
	}
	delete(m.live, correlationKey)
	m.mu.Unlock()

	sess.release()
	retrievalID := sess.retrievalID()
	m.creds.Issue(sess.userID, retrievalID)
	slog.Info("payment session finalized",
		"session", sess.id, "rail", sess.rail, "user", sess.userID, "key", correlationKey)
	return retrievalID, true
}

// CryptoSessionStatus reports the live session for a deposit address, if
// any. Finalized and expired sessions are not distinguishable from unknown
// addresses.
func (m *SessionManager) CryptoSessionStatus(depositAddress string) (*CryptoSession, bool) {
	key := strings.ToLower(depositAddress)

	m.mu.Lock()
	sess, ok := m.live[key]
	m.mu.Unlock()
	if !ok || sess.rail != RailCrypto {
		return nil, false
	}
	return &CryptoSession{
		DepositAddress: key,
		Amount:         new(big.Int).Set(sess.expected),
		ExpiresAt:      sess.expiresAt,
		RetrieveKeyURL: m.cfg.BaseURL + "/payments/crypto/key?deposit_address=" + key,
	}, true
}

// Shutdown stops all watchers and expiry timers for live sessions. Pending
// retrievals in the credential store are unaffected.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*paymentSession, 0, len(m.live))
	for key, sess := range m.live {
		sessions = append(sessions, sess)
		delete(m.live, key)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.release()
	}
}
