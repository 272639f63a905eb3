// Package stripeclient is a minimal Stripe Checkout client covering the two
// interactions the gateway needs: creating a hosted checkout session and
// verifying webhook deliveries.
package stripeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gateway "github.com/gourmagent/gateway"
)

const (
	// DefaultAPIBase is the Stripe REST API origin.
	DefaultAPIBase = "https://api.stripe.com"

	headerContentType  = "Content-Type"
	mimeFormURLEncoded = "application/x-www-form-urlencoded"
)

// Config configures a Client. SecretKey and PriceID are required; the rest
// have defaults.
type Config struct {
	SecretKey string
	PriceID   string

	// SuccessURL and CancelURL are where Stripe redirects the browser after
	// checkout. SuccessURL should carry {CHECKOUT_SESSION_ID} so the client
	// lands back holding its retrieval id.
	SuccessURL string
	CancelURL  string

	APIBase    string
	HTTPClient *http.Client
}

// Client creates checkout sessions against the Stripe API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new checkout client.
func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

// checkoutSessionResponse is the subset of Stripe's checkout session object
// the gateway consumes.
type checkoutSessionResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	AmountTotal int64  `json:"amount_total"`
}

// CreateSession creates a hosted checkout session for userID and returns the
// provider session id, redirect URL, and amount. userID travels as
// client_reference_id so webhook deliveries can be tied back to the buyer.
func (c *Client) CreateSession(ctx context.Context, userID string) (gateway.CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", userID)
	form.Set("line_items[0][price]", c.cfg.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", c.cfg.SuccessURL)
	form.Set("cancel_url", c.cfg.CancelURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIBase+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return gateway.CheckoutSession{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeFormURLEncoded)
	req.SetBasicAuth(c.cfg.SecretKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gateway.CheckoutSession{}, fmt.Errorf("failed to send checkout request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Body is dropped on purpose: provider error detail stays internal.
		io.Copy(io.Discard, resp.Body)
		return gateway.CheckoutSession{}, fmt.Errorf("checkout session creation failed: %s", resp.Status)
	}

	var session checkoutSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return gateway.CheckoutSession{}, fmt.Errorf("failed to decode checkout response: %w", err)
	}
	if session.ID == "" || session.URL == "" {
		return gateway.CheckoutSession{}, fmt.Errorf("checkout response missing id or url")
	}

	return gateway.CheckoutSession{
		ID:          session.ID,
		URL:         session.URL,
		AmountTotal: session.AmountTotal,
	}, nil
}

// Ensure Client satisfies the session manager's checkout surface.
var _ gateway.Checkout = (*Client)(nil)
