package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ContextKeyUsername = "operator_username"
	ContextKeyClaims   = "operator_claims"
)

// Middleware creates a JWT authentication middleware
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "invalid authorization header format",
			})
			return
		}

		claims, err := jwtManager.ValidateAccessToken(parts[1])
		if err != nil {
			var authErr AuthError
			if !errors.As(err, &authErr) {
				authErr = ErrInvalidToken
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   authErr.Code,
				"message": authErr.Message,
			})
			return
		}

		c.Set(ContextKeyUsername, claims.Username)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// LoginHandler exchanges the admin password for an access token
func LoginHandler(pm *PasswordManager, jm *JWTManager, adminHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "message": err.Error()})
			return
		}
		if adminHash == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrNotConfigured.Code, "message": ErrNotConfigured.Message})
			return
		}
		if req.Username == "" {
			req.Username = "admin"
		}
		if req.Username != "admin" || !pm.VerifyPassword(req.Password, adminHash) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidCredentials.Code, "message": ErrInvalidCredentials.Message})
			return
		}

		resp, err := jm.IssueToken(req.Username)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "TOKEN_ERROR", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
