package limiter

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the rule file format.
type Config struct {
	StorageType string      `yaml:"storage_type"` // "memory" or "redis"
	Rules       []LimitRule `yaml:"rules"`
}

// ValidateAndPrepare validates every rule and prepares internal fields.
func (c *Config) ValidateAndPrepare() error {
	if c.StorageType == "" {
		c.StorageType = StorageMemory
	}
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return fmt.Errorf("invalid storage_type: %s, must be '%s' or '%s'", c.StorageType, StorageMemory, StorageRedis)
	}

	if len(c.Rules) == 0 {
		log.Warn().Msg("no limit rules defined in config")
	}

	seenIDs := make(map[int64]bool)
	for i := range c.Rules {
		rule := &c.Rules[i] // operate on pointer to modify original slice element

		if seenIDs[rule.ID] {
			return fmt.Errorf("%w: duplicate rule id %d", ErrInvalidRuleConfiguration, rule.ID)
		}
		seenIDs[rule.ID] = true

		if err := rule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig reads and validates a YAML rule file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file %s: %w", path, err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes and validates YAML rule configuration.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode rule config: %w", err)
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
