package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
server:
  port: 8080
database:
  postgres:
    host: localhost
    port: 5432
    user: restosync
    dbname: restosync
    sslmode: disable
webhook:
  secret: s3cret
lookup:
  base_url: https://places.example.com
  mapping:
    name: "body.displayName"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Sync.BatchDelay)
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.StaleAfter)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.MaxSkew)
	assert.False(t, cfg.Webhook.PermissiveSignatures)
	assert.False(t, cfg.Webhook.TrustInternalSource)
	assert.Equal(t, 15*time.Second, cfg.Lookup.Timeout)
	assert.Equal(t, 1, cfg.Lookup.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Lookup.RetryBackoff)
	assert.Equal(t, "body.displayName", cfg.Lookup.Mapping["name"])
	assert.False(t, cfg.Broker.Kafka.Enabled())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "from-env")
	t.Setenv("BROKER_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("BROKER_KAFKA_GROUP_ID", "restosync")

	cfg, err := LoadConfig(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Webhook.Secret)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Broker.Kafka.Brokers)
	assert.Equal(t, "change_events", cfg.Broker.Kafka.ChangeEventsTopic)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateStatic(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:  ServerConfig{Port: 8080, ReadTimeoutSeconds: 15, WriteTimeoutSeconds: 30},
			Sync:    SyncConfig{BatchSize: 10, BatchDelay: 2 * time.Second, StaleAfter: time.Hour},
			Webhook: WebhookConfig{Secret: "x", MaxSkew: 5 * time.Minute},
			Lookup:  LookupConfig{Timeout: 15 * time.Second, MaxRetries: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Sync.BatchSize = 0 },
			wantErr: "sync.batch_size",
		},
		{
			name:    "missing secret in strict mode",
			mutate:  func(c *Config) { c.Webhook.Secret = "" },
			wantErr: "webhook.secret",
		},
		{
			name: "missing secret in permissive mode",
			mutate: func(c *Config) {
				c.Webhook.Secret = ""
				c.Webhook.PermissiveSignatures = true
			},
		},
		{
			name:    "bad lookup url",
			mutate:  func(c *Config) { c.Lookup.BaseURL = "ftp://x" },
			wantErr: "lookup.base_url",
		},
		{
			name:    "kafka without group",
			mutate:  func(c *Config) { c.Broker.Kafka.Brokers = []string{"k:9092"} },
			wantErr: "broker.kafka.group_id",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := ValidateStatic(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
