package http

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	gateway "github.com/gourmagent/gateway"
	"github.com/gourmagent/gateway/pkg/agentclient"
	"github.com/gourmagent/gateway/pkg/stripeclient"
)

// AgentRunner is the downstream agent surface the /run proxy needs.
type AgentRunner interface {
	Run(ctx context.Context, req agentclient.RunRequest) (*agentclient.RunResponse, error)
}

// Server wires the gateway's HTTP handlers. agent may be nil when no agent
// service is configured.
type Server struct {
	cfg     *gateway.Config
	store   *gateway.CredentialStore
	manager *gateway.SessionManager
	agent   AgentRunner
}

// NewServer creates a Server.
func NewServer(cfg *gateway.Config, store *gateway.CredentialStore, manager *gateway.SessionManager, agent AgentRunner) *Server {
	return &Server{cfg: cfg, store: store, manager: manager, agent: agent}
}

// Routes builds the gin engine with every gateway endpoint mounted.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	payments := r.Group("/payments")
	payments.POST("/card/create-session", s.handleCardCreateSession)
	payments.POST("/card/webhook", s.handleCardWebhook)
	payments.GET("/card/key", s.handleCardKey)
	payments.POST("/crypto/initiate", s.handleCryptoInitiate)
	payments.POST("/crypto/verify", s.handleCryptoVerify)
	payments.GET("/crypto/key", s.handleCryptoKey)

	r.POST("/run", RequireCredential(s.store, s.manager), s.handleRun)

	return r
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": gateway.NewPaymentError(code, message)}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ============================================================================
// Card rail
// ============================================================================

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleCardCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		c.JSON(http.StatusBadRequest, errorBody(gateway.ErrCodeValidationFailed, "user_id is required"))
		return
	}

	sess, err := s.manager.CreateCardSession(c.Request.Context(), req.UserID)
	if errors.Is(err, gateway.ErrRailUnavailable) {
		c.JSON(http.StatusServiceUnavailable, errorBody(gateway.ErrCodeConfigMissing, "card payments are not configured"))
		return
	}
	if err != nil {
		slog.Error("checkout session creation failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(gateway.ErrCodeUpstreamUnavailable, "checkout provider unavailable"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"redirect_url": sess.RedirectURL})
}

func (s *Server) handleCardWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(gateway.ErrCodeValidationFailed, "unreadable body"))
		return
	}

	event, err := stripeclient.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), s.cfg.StripeWebhookSecret)
	if err != nil {
		slog.Warn("webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, errorBody(gateway.ErrCodeValidationFailed, "invalid webhook signature"))
		return
	}

	if event.Type == stripeclient.EventTypeCheckoutCompleted {
		obj := event.Data.Object
		if obj.ID != "" {
			// An unknown or already-decided session is a no-op; the provider
			// still gets a 200 so it stops retrying.
			s.manager.Finalize(obj.ID, big.NewInt(obj.AmountTotal))
		}
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) handleCardKey(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, errorBody(gateway.ErrCodeValidationFailed, "session_id is required"))
		return
	}

	secret, ok := s.store.RetrieveForSession(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody(gateway.ErrCodeNotFound, "no credential for this session"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key": secret})
}

// ============================================================================
// On-chain rail
// ============================================================================

func (s *Server) handleCryptoInitiate(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		c.JSON(http.StatusBadRequest, errorBody(gateway.ErrCodeValidationFailed, "user_id is required"))
		return
	}

	sess, err := s.manager.CreateCryptoSession(c.Request.Context(), req.UserID)
	if errors.Is(err, gateway.ErrRailUnavailable) {
		c.JSON(http.StatusServiceUnavailable, errorBody(gateway.ErrCodeConfigMissing, "crypto payments are not configured"))
		return
	}
	if err != nil {
		slog.Error("crypto session creation failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(gateway.ErrCodeUpstreamUnavailable, "ledger unavailable"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deposit_address":  sess.DepositAddress,
		"amount":           sess.Amount.String(),
		"expires_at":       sess.ExpiresAt.UTC().Format(time.RFC3339),
		"retrieve_key_url": sess.RetrieveKeyURL,
	})
}

type verifyRequest struct {
	DepositAddress string `json:"deposit_address"`
}

func (s *Server) handleCryptoVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || !common.IsHexAddress(req.DepositAddress) {
		c.JSON(http.StatusBadRequest, errorBody(gateway.ErrCodeValidationFailed, "deposit_address must be a hex address"))
		return
	}

	sess, ok := s.manager.CryptoSessionStatus(req.DepositAddress)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody(gateway.ErrCodeNotFound, "unknown deposit address"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "pending",
		"amount":     sess.Amount.String(),
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCryptoKey(c *gin.Context) {
	addr := c.Query("deposit_address")
	if addr == "" || !common.IsHexAddress(addr) {
		c.JSON(http.StatusBadRequest, errorBody(gateway.ErrCodeValidationFailed, "deposit_address must be a hex address"))
		return
	}

	secret, ok := s.store.RetrieveForSession(gateway.CryptoRetrievalID(addr))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody(gateway.ErrCodeNotFound, "no credential for this address"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key": secret})
}

// ============================================================================
// Protected agent proxy
// ============================================================================

func (s *Server) handleRun(c *gin.Context) {
	if s.agent == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody(gateway.ErrCodeConfigMissing, "agent service is not configured"))
		return
	}

	var req agentclient.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(gateway.ErrCodeValidationFailed, "body must be JSON with user_id, message, location"))
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.Location) == "" {
		c.JSON(http.StatusBadRequest, errorBody(gateway.ErrCodeValidationFailed, "user_id, message and location are required"))
		return
	}

	resp, err := s.agent.Run(c.Request.Context(), req)
	if err != nil {
		slog.Error("agent run failed", "user", req.UserID, "error", err)
		c.JSON(http.StatusBadGateway, errorBody(gateway.ErrCodeUpstreamUnavailable, "agent service unavailable"))
		return
	}
	c.JSON(http.StatusOK, resp)
}
