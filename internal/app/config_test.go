package app

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/medstock/internal/inventory"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, inventory.ShortfallWarn, cfg.ShortfallPolicy())
	require.Equal(t, 30, cfg.ExpiryWarningDays)
	require.Equal(t, 3, cfg.CommitMaxRetries)
	require.Equal(t, 72*time.Hour, cfg.IdempotencyRetention)
	require.True(t, cfg.AutoMigrate)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("INSUFFICIENT_STOCK_POLICY", "block")
	t.Setenv("EXPIRY_WARNING_DAYS", "14")
	t.Setenv("APP_ENV", "production")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, inventory.ShortfallBlock, cfg.ShortfallPolicy())
	require.Equal(t, 14, cfg.ExpiryWarningDays)
	require.True(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"INSUFFICIENT_STOCK_POLICY": "ignore",
		"COMMIT_MAX_RETRIES":        "-1",
		"EXPIRY_WARNING_DAYS":       "0",
		"LOCK_TTL":                  "0s",
		"APP_READ_TIMEOUT":          "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)
	require.Contains(t, buf.String(), `"service":"medstock"`)
}
