package api_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agora-connector/internal/api"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

var _ store.Entity = (*api.AuditEntry)(nil)

func TestAuditLoggerStoresDetails(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory[api.AuditEntry](api.KindAudit)
	logger := api.NewAuditLogger(repo)

	err := logger.Record(ctx, 3, api.AuditEntry{
		Action:   "orders.import",
		Entity:   "connection",
		EntityID: "7",
		Details:  map[string]any{"business_day": "2024-06-03"},
	})
	require.NoError(t, err)

	entries, err := repo.Find(ctx, store.Where().Company(3))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "2024-06-03", entries[0].Details["business_day"])
	require.False(t, entries[0].At.IsZero())

	require.Error(t, logger.Record(ctx, 3, api.AuditEntry{Action: "x"}))
	var nilLogger *api.AuditLogger
	require.NoError(t, nilLogger.Record(ctx, 3, api.AuditEntry{}))
}
