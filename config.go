package metafs

import (
	"fmt"

	"github.com/gobeaver/beaver-kit/config"
)

// ResourceConfig declares a server-configured resource.
type ResourceConfig struct {
	Name     string    `mapstructure:"name" validate:"required"`
	URL      string    `mapstructure:"url" validate:"required"`
	Auth     TokenAuth `mapstructure:"auth" validate:"omitempty,oneof=ask env none"`
	OnlyDirs bool      `mapstructure:"only_dirs"`
	ReadOnly bool      `mapstructure:"read_only"`
}

type Config struct {
	// Caller-supplied resources
	AllowUserResources bool   `env:"METAFS_ALLOW_USER_RESOURCES,default:true" mapstructure:"allow_user_resources"`
	AllowEnvTokens     bool   `env:"METAFS_ALLOW_ENV_TOKENS,default:false" mapstructure:"allow_env_tokens"`
	SelectorStrategy   string `env:"METAFS_SELECTOR_STRATEGY,default:hash" mapstructure:"selector_strategy" validate:"oneof=hash counter"`

	// Server-configured resources
	ProtectServerResources  bool `env:"METAFS_PROTECT_SERVER_RESOURCES,default:true" mapstructure:"protect_server_resources"`
	ValidateServerResources bool `env:"METAFS_VALIDATE_SERVER_RESOURCES,default:false" mapstructure:"validate_server_resources"`

	// Hidden entries
	AllowHidden  bool   `env:"METAFS_ALLOW_HIDDEN,default:false" mapstructure:"allow_hidden"`
	HiddenPrefix string `env:"METAFS_HIDDEN_PREFIX,default:." mapstructure:"hidden_prefix" validate:"required"`
	StrictHidden bool   `env:"METAFS_STRICT_HIDDEN,default:false" mapstructure:"strict_hidden"`

	// Content models
	HashAlgorithm string `env:"METAFS_HASH_ALGORITHM,default:sha256" mapstructure:"hash_algorithm" validate:"oneof=md5 sha1 sha256 sha512 crc32 xxhash"`

	// Set from configuration files only; env variables cannot express lists
	// of structured values.
	ResourceValidators []string         `mapstructure:"resource_validators"`
	Resources          []ResourceConfig `mapstructure:"resources" validate:"dive"`
	Snippets           []Snippet        `mapstructure:"snippets" validate:"dive"`
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateConfig checks configuration validity
func validateConfig(cfg *Config) error {
	switch SelectorStrategy(cfg.SelectorStrategy) {
	case "", SelectorHash, SelectorCounter:
	default:
		return fmt.Errorf("unknown selector strategy %q", cfg.SelectorStrategy)
	}
	if _, err := ParseChecksumAlgorithm(cfg.HashAlgorithm); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Resources))
	for i, r := range cfg.Resources {
		if r.URL == "" {
			return fmt.Errorf("resources[%d]: url is required", i)
		}
		if r.Name == "" {
			continue
		}
		if seen[r.Name] {
			return fmt.Errorf("resources[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
	}
	for i, sn := range cfg.Snippets {
		if sn.Label == "" || sn.Template == "" {
			return fmt.Errorf("snippets[%d]: label and template are required", i)
		}
	}
	_, err := compileSnippets(cfg.Snippets)
	return err
}

func (cfg *Config) hiddenPolicy() HiddenPolicy {
	return HiddenPolicy{
		AllowHidden: cfg.AllowHidden,
		Prefix:      cfg.HiddenPrefix,
		Strict:      cfg.StrictHidden,
	}
}
