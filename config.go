package gateway

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultListenAddr   = "127.0.0.1:8402"
	DefaultSessionTTL   = 30 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

// Config holds the gateway configuration loaded from environment variables.
// Each rail's settings form an all-or-nothing group: a partially configured
// rail counts as disabled, never as a startup failure.
type Config struct {
	// Card rail (Stripe Checkout).
	StripeSecretKey     string
	StripePriceID       string
	StripeWebhookSecret string

	// On-chain rail (ERC-20 transfers watched over JSON-RPC).
	WalletMasterKey []byte
	RPCURL          string
	TokenAddress    common.Address
	CryptoPrice     *big.Int

	// BaseURL is the public URL of this gateway, used to build redirect and
	// retrieval links handed to clients.
	BaseURL string

	// AgentURL points at the downstream gourmAgent service proxied by the
	// protected /run endpoint. Empty disables the proxy.
	AgentURL string

	ListenAddr   string
	SessionTTL   time.Duration
	PollInterval time.Duration
}

// CardEnabled reports whether the card rail has complete configuration.
func (c *Config) CardEnabled() bool {
	return c.StripeSecretKey != "" && c.StripePriceID != "" && c.StripeWebhookSecret != ""
}

// CryptoEnabled reports whether the on-chain rail has complete configuration.
func (c *Config) CryptoEnabled() bool {
	return len(c.WalletMasterKey) > 0 && c.RPCURL != "" &&
		c.TokenAddress != (common.Address{}) && c.CryptoPrice != nil
}

// LoadConfig reads configuration from GOURMAGENT_* environment variables and
// returns a validated Config. Rail settings are optional; only malformed
// values (bad hex, bad duration, bad address) are errors.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		StripeSecretKey:     os.Getenv("GOURMAGENT_STRIPE_SECRET_KEY"),
		StripePriceID:       os.Getenv("GOURMAGENT_STRIPE_PRICE_ID"),
		StripeWebhookSecret: os.Getenv("GOURMAGENT_STRIPE_WEBHOOK_SECRET"),
		RPCURL:              os.Getenv("GOURMAGENT_RPC_URL"),
		BaseURL:             strings.TrimSuffix(os.Getenv("GOURMAGENT_BASE_URL"), "/"),
		AgentURL:            os.Getenv("GOURMAGENT_AGENT_URL"),
		ListenAddr:          DefaultListenAddr,
		SessionTTL:          DefaultSessionTTL,
		PollInterval:        DefaultPollInterval,
	}

	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}

	if v := os.Getenv("GOURMAGENT_WALLET_MASTER_KEY"); v != "" {
		key, err := hex.DecodeString(strings.TrimPrefix(v, "0x"))
		if err != nil || len(key) == 0 {
			return nil, ErrInvalidMasterKey
		}
		cfg.WalletMasterKey = key
	}

	if v := os.Getenv("GOURMAGENT_USDC_ADDRESS"); v != "" {
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("GOURMAGENT_USDC_ADDRESS is not a valid address: %q", v)
		}
		cfg.TokenAddress = common.HexToAddress(v)
	}

	if v := os.Getenv("GOURMAGENT_CRYPTO_PRICE"); v != "" {
		price, ok := new(big.Int).SetString(v, 10)
		if !ok || price.Sign() <= 0 {
			return nil, fmt.Errorf("GOURMAGENT_CRYPTO_PRICE must be a positive integer in token base units, got %q", v)
		}
		cfg.CryptoPrice = price
	}

	if v, ok := os.LookupEnv("GOURMAGENT_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}

	if v, ok := os.LookupEnv("GOURMAGENT_SESSION_TTL"); ok {
		ttl, err := time.ParseDuration(v)
		if err != nil || ttl <= 0 {
			return nil, fmt.Errorf("GOURMAGENT_SESSION_TTL has invalid duration %q", v)
		}
		cfg.SessionTTL = ttl
	}

	if v, ok := os.LookupEnv("GOURMAGENT_POLL_INTERVAL"); ok {
		interval, err := time.ParseDuration(v)
		if err != nil || interval <= 0 {
			return nil, fmt.Errorf("GOURMAGENT_POLL_INTERVAL has invalid duration %q", v)
		}
		cfg.PollInterval = interval
	}

	return cfg, nil
}
