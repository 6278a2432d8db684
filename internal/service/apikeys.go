package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const apiKeyPrefix = "lk"

// IssueAPIKey creates a machine credential bound to one tenant. The token is
// returned once; only its bcrypt hash is stored.
func (s *DefaultService) IssueAPIKey(
	ctx context.Context,
	caller models.Caller,
	req models.IssueAPIKeyRequest,
) (*models.IssuedAPIKey, error) {
	if caller.Role != models.RoleSystem {
		return nil, models.ErrForbidden
	}

	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, &models.ValidationError{Field: "tenantId", Message: "is required"}
	}
	if req.Name == "" {
		return nil, &models.ValidationError{Field: "name", Message: "is required"}
	}
	if _, err := models.NewCaller(tenantID, "apikey", req.Role); err != nil {
		return nil, &models.ValidationError{Field: "role", Message: fmt.Sprintf("unsupported role %q", req.Role)}
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("error generating secret: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(encoded), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("error hashing secret: %w", err)
	}

	key := models.APIKey{
		ID:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		TenantID:   tenantID,
		Name:       req.Name,
		Role:       req.Role,
		SecretHash: string(hash),
		CreatedAt:  s.now(),
	}
	if err := s.repo.CreateAPIKey(ctx, &key); err != nil {
		return nil, fmt.Errorf("error storing api key: %w", err)
	}

	s.logger.Info("api key issued",
		zap.String("key_id", key.ID),
		zap.String("tenant_id", key.TenantID),
		zap.String("role", string(key.Role)),
		zap.String("actor_id", caller.ActorID),
	)

	return &models.IssuedAPIKey{
		Key:   key,
		Token: fmt.Sprintf("%s_%s_%s", apiKeyPrefix, key.ID, encoded),
	}, nil
}

// AuthenticateAPIKey resolves a token of the form lk_<keyID>_<secret> to the
// caller it was issued for.
func (s *DefaultService) AuthenticateAPIKey(ctx context.Context, token string) (models.Caller, error) {
	keyID, secret, ok := splitAPIKey(token)
	if !ok {
		return models.Caller{}, models.ErrUnauthorized
	}

	key, err := s.repo.GetAPIKey(ctx, keyID)
	if err != nil {
		return models.Caller{}, fmt.Errorf("error loading api key: %w", err)
	}
	if key == nil || key.RevokedAt != nil {
		return models.Caller{}, models.ErrUnauthorized
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return models.Caller{}, models.ErrUnauthorized
	}

	return models.NewCaller(key.TenantID, "apikey:"+key.ID, key.Role)
}

func splitAPIKey(token string) (keyID, secret string, ok bool) {
	rest, found := strings.CutPrefix(token, apiKeyPrefix+"_")
	if !found {
		return "", "", false
	}
	keyID, secret, found = strings.Cut(rest, "_")
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}
