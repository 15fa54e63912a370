package auth

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/taskbazaar/settlement/internal/validation"
)

// Handler provides HTTP endpoints for key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up public auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth", h.Info)
	r.POST("/auth/keys", h.Enroll)
}

// RegisterProtectedRoutes sets up key-management routes for enrolled wallets.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/keys", h.ListKeys)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// Info returns auth configuration info.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"enroll":    "POST /v1/auth/keys with a personal signature over the enrollment message",
		"message":   EnrollmentMessage("<wallet>", "<nonce>"),
	})
}

// EnrollRequest is the body for claiming an API key with a wallet signature.
type EnrollRequest struct {
	WalletAddr string `json:"walletAddr" binding:"required"`
	Name       string `json:"name"`
	Nonce      string `json:"nonce" binding:"required"`
	Signature  string `json:"signature" binding:"required"` // hex, 65 bytes
}

// Enroll handles POST /v1/auth/keys
func (h *Handler) Enroll(c *gin.Context) {
	var req EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "walletAddr, nonce, and signature are required",
		})
		return
	}
	if !validation.IsValidAddress(req.WalletAddr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "walletAddr must be a valid address",
		})
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "signature must be hex",
		})
		return
	}
	if req.Name == "" {
		req.Name = "Default key"
	}

	rawKey, key, err := h.manager.Enroll(c.Request.Context(), req.WalletAddr, req.Name, req.Nonce, sig)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "invalid_signature",
			"message": "Signature does not prove control of the wallet",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"name":    key.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns API keys for the authenticated wallet.
func (h *Handler) ListKeys(c *gin.Context) {
	wallet := CallerWallet(c)
	if wallet == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// RevokeKey revokes an API key owned by the authenticated wallet.
func (h *Handler) RevokeKey(c *gin.Context) {
	wallet := CallerWallet(c)
	if wallet == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")
	if key, ok := GetAPIKey(c); ok && key.ID == keyID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, wallet); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}
