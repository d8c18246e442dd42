package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/vnmchuo/llm-dispatch/internal/auth"
)

const (
	TestAPIKey   = "test-api-key-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"
)

// SeedTestAPIKey creates the well-known dev key. Safe to call repeatedly.
func SeedTestAPIKey(ctx context.Context, store auth.Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	h := sha256.New()
	h.Write([]byte(TestAPIKey))

	apiKey := &auth.APIKey{
		TenantID:  TestTenantID,
		KeyHash:   hex.EncodeToString(h.Sum(nil)),
		RateLimit: 1000000,
		Active:    true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		logger.Info("seeder: api key may already exist, skipping", "error", err)
		return
	}
	logger.Info("seeder: test api key created", "key", TestAPIKey, "tenant_id", TestTenantID)
}
