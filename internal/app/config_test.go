package app

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ADMIN_TOKEN_HASH", "$2a$04$abcdefghijklmnopqrstuv")
	t.Setenv("CARD_METHOD_KEYWORDS", "visa,amex")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.StoreDriver)
	require.Equal(t, 30*time.Second, cfg.AgoraHTTPTimeout)
	require.Equal(t, float64(5), cfg.AgoraRatePerSecond)
	require.Equal(t, 10*time.Minute, cfg.SyncLockTTL)
	require.Equal(t, 50, cfg.FulfillmentRetryLimit)
	require.Equal(t, []string{"visa", "amex"}, cfg.CardMethodKeywords)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRequiresAdminToken(t *testing.T) {
	t.Setenv("ADMIN_TOKEN_HASH", "")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	t.Setenv("ADMIN_TOKEN_HASH", "hash")
	t.Setenv("STORE_DRIVER", "sqlite")
	_, err := LoadConfig()
	require.ErrorContains(t, err, "StoreDriver")
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	require.False(t, InTestMode())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelInfo, parseLevel(nil))
	require.Equal(t, slog.LevelDebug, parseLevel(&Config{LogLevel: "debug"}))
	require.Equal(t, slog.LevelError, parseLevel(&Config{LogLevel: "ERROR"}))
}
