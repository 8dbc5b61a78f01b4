package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	operatorContextKey  = "auth_operator"
	authTokenContextKey = "auth_token"
)

// Middleware validates bearer tokens and stores the authenticated operator in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		operator, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(operatorContextKey, operator)
		c.Set(authTokenContextKey, authToken)
		c.Next()
	}
}

// OperatorFromContext retrieves the authenticated operator from the gin context.
func OperatorFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(operatorContextKey)
	if !ok {
		return "", false
	}
	operator, ok := val.(string)
	return operator, ok
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

// extractToken reads the bearer header, falling back to the access_token
// query parameter for websocket clients that cannot set headers.
func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if c.IsWebsocket() {
		return c.Query("access_token")
	}
	return ""
}
