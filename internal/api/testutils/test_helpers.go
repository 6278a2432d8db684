package testutils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/casinoloyalty/ledger-server/internal/api"
	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/casinoloyalty/ledger-server/internal/repository"
	"github.com/casinoloyalty/ledger-server/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTenantID is the tenant the default test tokens are bound to
const TestTenantID = "casino-test"

// TestContext holds all dependencies for tests
type TestContext struct {
	Router     *gin.Engine
	Repository *repository.MemoryRepository
	Service    service.Service
	JWTSecret  []byte
	StaffJWT   string
	AdminJWT   string
}

// SetupTestContext creates a new test context backed by the in-memory store
func SetupTestContext(t *testing.T) *TestContext {
	jwtSecret := []byte("test-secret-key")

	node, err := snowflake.NewNode(1)
	require.NoError(t, err, "Failed to create id generator")

	// Create repository
	repo := repository.NewMemoryRepository(2 * time.Second)

	// Create service
	svc := service.NewDefaultService(repo, node, nil, nil, service.Config{
		DefaultPageLimit: 20,
		MaxPageLimit:     100,
		SettingsTTL:      time.Minute,
	})

	// Create API handler
	handler := api.NewHandler(svc, nil)

	// Set up Gin router
	gin.SetMode(gin.TestMode)
	router := gin.New()

	// Add middleware for JWT secret
	router.Use(func(c *gin.Context) {
		c.Set("jwtSecret", jwtSecret)
		c.Next()
	})

	// Set up routes
	handler.SetupRoutes(router)

	return &TestContext{
		Router:     router,
		Repository: repo,
		Service:    svc,
		JWTSecret:  jwtSecret,
		StaffJWT:   SignToken(t, jwtSecret, TestTenantID, "staff-1", models.RoleStaff),
		AdminJWT:   SignToken(t, jwtSecret, TestTenantID, "admin-1", models.RoleAdmin),
	}
}

// CleanupTestContext cleans up test resources
func CleanupTestContext(t *TestContext) {
	t.Repository = nil
}

// SignToken issues a JWT with the claims the auth middleware reads
func SignToken(t *testing.T, secret []byte, tenantID, subject string, role models.Role) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       subject,
		"tenant_id": tenantID,
		"role":      string(role),
		"exp":       time.Now().Add(24 * time.Hour).Unix(),
		"iat":       time.Now().Unix(),
	})

	tokenString, err := token.SignedString(secret)
	assert.NoError(t, err, "Failed to generate JWT token")

	return tokenString
}

// RegisterAccount creates an account through the API and fails the test otherwise
func (tc *TestContext) RegisterAccount(t *testing.T, accountID string) {
	w := PerformRequest(tc.Router, http.MethodPost, "/api/accounts",
		models.RegisterAccountRequest{AccountID: accountID},
		AuthHeaders(tc.StaffJWT),
	)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

// PerformRequest executes an HTTP request against the router
func PerformRequest(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer

	if body != nil {
		jsonBody, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBody)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// AuthHeaders returns headers with Authorization token
func AuthHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	}
}

// WithHeader returns a copy of headers with one more header set
func WithHeader(headers map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[key] = value
	return out
}
