package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/damienh972/hodl-my-notes/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminHandler exchanges the configured admin secret for a short-lived
// admin token.
type AdminHandler struct {
	secret string
	tokens *auth.TokenIssuer
	logger *zap.Logger
}

// NewAdminHandler creates a new AdminHandler. A nil tokens issuer disables
// the exchange.
func NewAdminHandler(secret string, tokens *auth.TokenIssuer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{secret: secret, tokens: tokens, logger: logger}
}

// Register mounts the admin routes on the given router group.
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/admin/token", BodyLimit(4<<10), h.IssueToken)
}

type tokenRequest struct {
	Secret  string `json:"secret" binding:"required"`
	Subject string `json:"subject"`
}

// IssueToken handles POST /admin/token.
func (h *AdminHandler) IssueToken(c *gin.Context) {
	if h.tokens == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin endpoints disabled: set server.admin_secret"})
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.secret)) != 1 {
		h.logger.Warn("admin token request rejected", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin secret"})
		return
	}

	tok, err := h.tokens.IssueAdmin(req.Subject)
	if err != nil {
		h.logger.Error("issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "token_type": "Bearer"})
}
