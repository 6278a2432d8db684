package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/casinoloyalty/ledger-server/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const idempotencyHeader = "Idempotency-Key"

// Handler handles API requests
type Handler struct {
	service service.Service
	logger  *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(svc service.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service: svc,
		logger:  logger,
	}
}

// SetupRoutes sets up the API routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Healthz)

	api := router.Group("/api")
	api.Use(AuthMiddleware(h.service))
	{
		// Accounts
		api.POST("/accounts", h.RegisterAccount)
		api.GET("/accounts/:accountId/balance", h.GetBalance)

		// Ledger
		api.POST("/accounts/:accountId/entries", h.CreateLedgerEntry)
		api.GET("/accounts/:accountId/entries", h.ListLedgerEntries)
		api.GET("/entries/:entryId", h.GetLedgerEntry)

		// Operations
		admin := api.Group("/admin")
		{
			admin.GET("/drift", h.ScanDrift)
			admin.POST("/accounts/:accountId/reconcile", h.ReconcileAccount)
		}
	}
}

// Healthz reports liveness
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Account handlers
func (h *Handler) RegisterAccount(c *gin.Context) {
	var req models.RegisterAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}

	account, err := h.service.RegisterAccount(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.AccountResponse{
		Status:  "success",
		Account: *account,
	})
}

func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.service.GetBalance(c.Request.Context(), callerFrom(c), c.Param("accountId"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.BalanceResponse{
		Status:  "success",
		Balance: *balance,
	})
}

// Ledger handlers
func (h *Handler) CreateLedgerEntry(c *gin.Context) {
	var req models.CreateLedgerEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}
	req.AccountID = c.Param("accountId")

	if key := c.GetHeader(idempotencyHeader); key != "" {
		if req.IdempotencyKey != "" && req.IdempotencyKey != key {
			badRequest(c, "Idempotency-Key header and idempotencyKey field differ")
			return
		}
		req.IdempotencyKey = key
	}

	result, err := h.service.CreateLedgerEntry(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	status := http.StatusCreated
	if result.IsExisting {
		status = http.StatusOK
	}
	c.JSON(status, models.LedgerEntryResponse{
		Status:        "success",
		Entry:         result.Entry,
		BalanceBefore: result.BalanceBefore,
		BalanceAfter:  result.BalanceAfter,
		IsExisting:    result.IsExisting,
	})
}

func (h *Handler) ListLedgerEntries(c *gin.Context) {
	req, err := parseListRequest(c)
	if err != nil {
		h.handleError(c, err)
		return
	}

	page, err := h.service.ListLedgerEntries(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.ListLedgerEntriesResponse{
		Status:     "success",
		Entries:    page.Entries,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}

func (h *Handler) GetLedgerEntry(c *gin.Context) {
	entry, err := h.service.GetLedgerEntry(c.Request.Context(), callerFrom(c), c.Param("entryId"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"entry":  entry,
	})
}

// Operations handlers
func (h *Handler) ScanDrift(c *gin.Context) {
	var req models.ScanDriftRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "Invalid query: "+err.Error())
		return
	}

	records, err := h.service.ScanDrift(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.ScanDriftResponse{
		Status:    "success",
		Records:   records,
		ScannedAt: time.Now().UTC(),
	})
}

func (h *Handler) ReconcileAccount(c *gin.Context) {
	var req models.ReconcileAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request format: "+err.Error())
		return
	}
	req.AccountID = c.Param("accountId")

	result, err := h.service.ReconcileAccount(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.ReconcileResponse{
		Status:          "success",
		ReconcileResult: *result,
	})
}

func parseListRequest(c *gin.Context) (models.ListLedgerEntriesRequest, error) {
	req := models.ListLedgerEntriesRequest{
		AccountID: c.Param("accountId"),
		Cursor:    c.Query("cursor"),
	}

	if raw, ok := c.GetQuery("limit"); ok {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return req, &models.ValidationError{Field: "limit", Message: "must be a positive integer"}
		}
		req.Limit = limit
	}

	for _, value := range c.QueryArray("reason") {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			reason, err := models.ParseReason(part)
			if err != nil {
				return req, err
			}
			req.Reasons = append(req.Reasons, reason)
		}
	}

	var err error
	if req.From, err = parseTimeParam(c, "from"); err != nil {
		return req, err
	}
	if req.To, err = parseTimeParam(c, "to"); err != nil {
		return req, err
	}

	return req, nil
}

func parseTimeParam(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, &models.ValidationError{Field: name, Message: "must be an RFC 3339 timestamp"}
	}
	return &t, nil
}

// handleError maps service errors to HTTP responses
func (h *Handler) handleError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	message := err.Error()

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		message = "Internal server error"
	}

	c.JSON(status, models.ErrorResponse{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidCursor):
		return http.StatusBadRequest, "INVALID_CURSOR"
	case errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, models.ErrAccountNotFound):
		return http.StatusNotFound, "ACCOUNT_NOT_FOUND"
	case errors.Is(err, models.ErrEntryNotFound):
		return http.StatusNotFound, "ENTRY_NOT_FOUND"
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, models.ErrTransactionAborted):
		return http.StatusConflict, "TRANSACTION_ABORTED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Status:  "error",
		Code:    "INVALID_REQUEST",
		Message: message,
	})
}
