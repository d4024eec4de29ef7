package bus

import (
	"log/slog"
	"strings"

	"github.com/modelplane-io/modelplane/internal/config"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// Config holds the bus settings, loaded from ENV.
type Config struct {
	Enabled bool
	Brokers []string
}

// LoadConfig reads the bus configuration from ENV:
//
//	BUS_ENABLED   - enable the Kafka publisher (default false)
//	KAFKA_BROKERS - comma-separated broker list (default localhost:9092)
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Enabled: config.GetEnvBool("BUS_ENABLED", false),
	}

	for _, b := range strings.Split(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}

	if cfg.Enabled && len(cfg.Brokers) == 0 {
		return nil, fault.Validation("BUS_ENABLED is set but KAFKA_BROKERS is empty")
	}

	return cfg, nil
}

// NewPublisher returns the Kafka publisher when the bus is enabled, and the
// Noop publisher otherwise.
func NewPublisher(cfg *Config, logger *slog.Logger) Publisher {
	if !cfg.Enabled {
		return Noop{}
	}

	return NewKafka(cfg.Brokers, logger)
}
