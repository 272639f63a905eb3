// Package gateway implements payment-gated credential issuance for the
// gourmAgent API: a client pays on one of the configured rails (card
// checkout or on-chain USDC transfer), the gateway observes the payment
// event, and mints a single-use-visible API credential bound to it.
package gateway

import (
	"math/big"
	"time"
)

// Rail identifies one payment method integration.
type Rail string

const (
	RailCard   Rail = "card"
	RailCrypto Rail = "crypto"
)

// RailInfo describes one payment rail in a 402 response so a client knows
// how to initiate payment.
type RailInfo struct {
	Rail        Rail   `json:"rail"`
	InitiateURL string `json:"initiate_url"`
	Amount      string `json:"amount,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Description string `json:"description,omitempty"`
}

// CheckoutSession is the card-provider surface the session manager consumes:
// the provider-issued session id, the hosted checkout URL the client is
// redirected to, and the amount (in the provider's minor unit) the checkout
// will collect.
type CheckoutSession struct {
	ID          string
	URL         string
	AmountTotal int64
}

// CardSession describes a freshly created card payment attempt.
type CardSession struct {
	CheckoutSessionID string
	RedirectURL       string
	ExpiresAt         time.Time
}

// CryptoSession describes a freshly created on-chain payment attempt. The
// deposit address is unique to this session and doubles as its correlation
// key.
type CryptoSession struct {
	DepositAddress string
	Amount         *big.Int
	ExpiresAt      time.Time
	RetrieveKeyURL string
}
