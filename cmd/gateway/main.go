package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	gateway "github.com/gourmagent/gateway"
	gatewayhttp "github.com/gourmagent/gateway/http"
	"github.com/gourmagent/gateway/pkg/agentclient"
	"github.com/gourmagent/gateway/pkg/stripeclient"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"base_url", cfg.BaseURL,
		"card_rail", cfg.CardEnabled(),
		"crypto_rail", cfg.CryptoEnabled(),
		"session_ttl", cfg.SessionTTL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var checkout gateway.Checkout
	if cfg.CardEnabled() {
		checkout = stripeclient.NewClient(stripeclient.Config{
			SecretKey:  cfg.StripeSecretKey,
			PriceID:    cfg.StripePriceID,
			SuccessURL: cfg.BaseURL + "/payments/card/key?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  cfg.BaseURL,
		})
	}

	var chain gateway.ChainReader
	if cfg.CryptoEnabled() {
		client, dialErr := ethclient.DialContext(ctx, cfg.RPCURL)
		if dialErr != nil {
			// Dialing an HTTP endpoint fails only on a malformed URL, so
			// this is a config defect rather than a transient outage.
			return dialErr
		}
		defer client.Close()
		chain = client
		slog.Info("ledger RPC connected", "url", cfg.RPCURL, "token", cfg.TokenAddress.Hex())
	}

	var agent gatewayhttp.AgentRunner
	if cfg.AgentURL != "" {
		agent = agentclient.NewClient(agentclient.Config{BaseURL: cfg.AgentURL})
		slog.Info("agent client created", "url", cfg.AgentURL)
	}

	store := gateway.NewCredentialStore()
	manager := gateway.NewSessionManager(cfg, store, checkout, chain)
	defer manager.Shutdown()

	server := gatewayhttp.NewServer(cfg, store, manager, agent)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", cfg.ListenAddr)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
