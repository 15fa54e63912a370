package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyWallet is the gin context key for the caller's wallet address.
	ContextKeyWallet = "walletAddr"
	// ContextKeyAdmin is the gin context key for admin credentials.
	ContextKeyAdmin = "isAdmin"
	// ContextKeyAPIKey is the gin context key for the resolved API key.
	ContextKeyAPIKey = "apiKey"
)

// Middleware resolves the caller's identity from the request and stores it
// in the gin context. It never rejects; route groups that need an identity
// wrap RequireWallet.
//
// Wallet identity comes from a valid API key in the Authorization or
// X-API-Key header. Admin identity comes from X-Admin-Secret matching the
// configured shared secret.
func Middleware(m *Manager, adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}
		if apiKey != "" {
			if key, err := m.ValidateKey(c.Request.Context(), apiKey); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyWallet, key.WalletAddr)
			}
		}

		if secret := c.GetHeader("X-Admin-Secret"); secret != "" && adminSecret != "" {
			if subtle.ConstantTimeCompare([]byte(secret), []byte(adminSecret)) == 1 {
				c.Set(ContextKeyAdmin, true)
			}
		}

		c.Next()
	}
}

// RequireWallet rejects requests with neither a wallet identity nor admin
// credentials.
func RequireWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyWallet) == "" && !c.GetBool(ContextKeyAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Wallet authentication required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests without admin credentials.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ContextKeyAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Admin credentials required.",
			})
			return
		}
		c.Next()
	}
}

// CallerWallet returns the authenticated wallet address, if any.
func CallerWallet(c *gin.Context) string {
	return c.GetString(ContextKeyWallet)
}

// IsAdmin reports whether the request carries admin credentials.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}

// GetAPIKey returns the API key from context, if the request carried one.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}
