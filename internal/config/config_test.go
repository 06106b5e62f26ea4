package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAML_DefaultsWithEnvKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	cfg, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "https://api.anthropic.com", cfg.Anthropic.BaseURL)
	assert.Equal(t, "2023-06-01", cfg.Anthropic.APIVersion)
	assert.Equal(t, "prompt-caching-2024-07-31", cfg.Anthropic.BetaFeatures)
	assert.Equal(t, 8192, cfg.Anthropic.MaxTokens)
	assert.Equal(t, "test-key", cfg.Anthropic.APIKey)
	assert.False(t, cfg.Database.EnablePersistence)
	assert.True(t, cfg.CircuitBreaker.Enabled)
	assert.Equal(t, 60*time.Second, cfg.CircuitBreaker.Timeout)
}

func TestLoadYAML_MissingAPIKeyFails(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestLoadYAML_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("PORT", "9999")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("ANTHROPIC_MAX_TOKENS", "4096")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("ENABLE_PERSISTENCE", "true")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_NAME", "relay.db")
	t.Setenv("CIRCUIT_BREAKER_TIMEOUT", "30s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 4096, cfg.Anthropic.MaxTokens)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CorsOrigins)
	assert.True(t, cfg.Database.EnablePersistence)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.Timeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadYAML_FileWithExpansion(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Setenv("RELAY_PORT_FROM_ENV", "7070")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: "${RELAY_PORT_FROM_ENV}"
anthropic:
  api_key: "${ANTHROPIC_API_KEY}"
  max_tokens: 2048
relay:
  subscriber_buffer: 128
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadYAML(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "env-key", cfg.Anthropic.APIKey)
	assert.Equal(t, 2048, cfg.Anthropic.MaxTokens)
	assert.Equal(t, 128, cfg.Relay.SubscriberBuffer)
}

func TestLoadYAML_InvalidDriverFails(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("ENABLE_PERSISTENCE", "true")
	t.Setenv("DATABASE_DRIVER", "mongodb")

	_, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_DRIVER")
}

func TestGetDatabaseDSN(t *testing.T) {
	t.Run("explicit url wins", func(t *testing.T) {
		cfg := getDefaultConfig()
		cfg.Database.URL = "postgres://u:p@host/db"
		assert.Equal(t, "postgres://u:p@host/db", cfg.GetDatabaseDSN())
	})

	t.Run("sqlite uses the database name as path", func(t *testing.T) {
		cfg := getDefaultConfig()
		cfg.Database.Driver = "sqlite"
		cfg.Database.Name = "relay.db"
		assert.Equal(t, "relay.db", cfg.GetDatabaseDSN())
	})

	t.Run("postgres assembles key value dsn", func(t *testing.T) {
		cfg := getDefaultConfig()
		cfg.Database.Host = "db.internal"
		cfg.Database.Port = "5433"
		cfg.Database.User = "relay"
		cfg.Database.Password = "secret"
		cfg.Database.Name = "relaydb"
		cfg.Database.SSLMode = "require"

		assert.Equal(t,
			"host=db.internal port=5433 user=relay password=secret dbname=relaydb sslmode=require",
			cfg.GetDatabaseDSN())
	})
}
