package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 15)
	viper.SetDefault("server.write_timeout_seconds", 30)

	viper.SetDefault("logging.level", "info")

	viper.SetDefault("sync.batch_size", 10)
	viper.SetDefault("sync.batch_delay", 2*time.Second)
	viper.SetDefault("sync.stale_after", 7*24*time.Hour)
	viper.SetDefault("sync.max_items", 500)

	viper.SetDefault("detector.lock_ttl", 30*time.Second)

	viper.SetDefault("webhook.max_skew", 5*time.Minute)

	viper.SetDefault("lookup.timeout", 15*time.Second)
	viper.SetDefault("lookup.max_retries", 1)
	viper.SetDefault("lookup.retry_backoff", 2*time.Second)
	viper.SetDefault("lookup.cache_ttl", time.Hour)

	viper.SetDefault("broker.kafka.change_events_topic", "change_events")
	viper.SetDefault("broker.kafka.automation_events_topic", "automation_events")
	viper.SetDefault("broker.kafka.retry.multiplier", 2.0)
}

func bindEnvVariables() {
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.change_events_topic", "BROKER_KAFKA_CHANGE_EVENTS_TOPIC")
	viper.BindEnv("broker.kafka.automation_events_topic", "BROKER_KAFKA_AUTOMATION_EVENTS_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	viper.BindEnv("webhook.permissive_signatures", "WEBHOOK_PERMISSIVE_SIGNATURES")
	viper.BindEnv("webhook.trust_internal_source", "WEBHOOK_TRUST_INTERNAL_SOURCE")

	viper.BindEnv("lookup.base_url", "LOOKUP_BASE_URL")
	viper.BindEnv("lookup.api_key", "LOOKUP_API_KEY")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	// Secrets are never expected in the yaml file.
	if secret := viper.GetString("WEBHOOK_SECRET"); secret != "" {
		cfg.Webhook.Secret = secret
	}
	if apiKey := viper.GetString("LOOKUP_API_KEY"); apiKey != "" {
		cfg.Lookup.APIKey = apiKey
	}

	return nil
}
