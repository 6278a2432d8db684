package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	callerKey    = "caller"
	apiKeyHeader = "X-API-Key"
	tenantHeader = "X-Tenant-Id"
)

// APIKeyAuthenticator resolves machine credentials to a caller
type APIKeyAuthenticator interface {
	AuthenticateAPIKey(ctx context.Context, token string) (models.Caller, error)
}

// AuthMiddleware returns a Gin middleware for authentication. Staff sessions
// present a signed JWT; rating and session systems present an API key.
func AuthMiddleware(keys APIKeyAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			caller models.Caller
			err    error
		)

		if token := c.GetHeader(apiKeyHeader); token != "" {
			caller, err = keys.AuthenticateAPIKey(c.Request.Context(), token)
			if err != nil {
				unauthorized(c, "Invalid API key")
				return
			}
		} else {
			caller, err = callerFromJWT(c)
			if err != nil {
				unauthorized(c, err.Error())
				return
			}
		}

		// The tenant comes from credentials only
		if requested := tenantOverride(c); requested != "" && requested != caller.TenantID {
			c.JSON(http.StatusForbidden, models.ErrorResponse{
				Status:  "error",
				Code:    "FORBIDDEN",
				Message: "Tenant cannot be selected by request parameters",
			})
			c.Abort()
			return
		}

		c.Set(callerKey, caller)
		c.Next()
	}
}

func callerFromJWT(c *gin.Context) (models.Caller, error) {
	// Get the JWT token from the Authorization header
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return models.Caller{}, errors.New("Authentication required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return models.Caller{}, errors.New("Invalid token format")
	}

	jwtSecret := c.MustGet("jwtSecret").([]byte)
	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return models.Caller{}, errors.New("Invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.Caller{}, errors.New("Invalid token claims")
	}

	actorID, _ := claims["sub"].(string)
	tenantID, _ := claims["tenant_id"].(string)
	role, _ := claims["role"].(string)

	caller, err := models.NewCaller(tenantID, actorID, models.Role(role))
	if err != nil {
		return models.Caller{}, errors.New("Invalid identity in token")
	}
	return caller, nil
}

func tenantOverride(c *gin.Context) string {
	if v := c.Query("tenantId"); v != "" {
		return v
	}
	return c.GetHeader(tenantHeader)
}

func unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, models.ErrorResponse{
		Status:  "error",
		Code:    "UNAUTHORIZED",
		Message: message,
	})
	c.Abort()
}

// callerFrom returns the caller set by AuthMiddleware
func callerFrom(c *gin.Context) models.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(models.Caller); ok {
			return caller
		}
	}
	return models.Caller{}
}
