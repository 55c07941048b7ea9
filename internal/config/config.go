// Package config loads the metafs server configuration from a file and
// METAFS_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gobeaver/metafs"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. METAFS_SERVER_LISTEN_ADDR.
const EnvPrefix = "METAFS"

// Config is the complete server configuration. The routing policy is
// inlined at the top level of the file.
//
//	allow_hidden: false
//	resource_validators: ["mem://.*"]
//	resources:
//	  - name: scratch
//	    url: mem://scratch
//	snippets:
//	  - label: Read CSV
//	    pattern: '\.csv$'
//	    template: pd.read_csv("{{path}}")
//	server:
//	  listen_addr: 127.0.0.1:8080
//	logging:
//	  level: info
type Config struct {
	metafs.Config `mapstructure:",squash"`

	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level   string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	JSON    bool   `mapstructure:"json"`
	Service string `mapstructure:"service"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required"`
	DrainDuration   time.Duration `mapstructure:"drain_duration" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	// MaxBodyBytes limits request bodies on the contents API.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"gt=0"`
}

var validate = validator.New()

// Load reads configuration from path, then applies environment overrides.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults seeds viper with the library defaults so that every scalar
// key can be overridden from the environment.
func setDefaults(v *viper.Viper) error {
	lib, err := metafs.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to load library defaults: %w", err)
	}
	v.SetDefault("allow_user_resources", lib.AllowUserResources)
	v.SetDefault("allow_env_tokens", lib.AllowEnvTokens)
	v.SetDefault("selector_strategy", lib.SelectorStrategy)
	v.SetDefault("protect_server_resources", lib.ProtectServerResources)
	v.SetDefault("validate_server_resources", lib.ValidateServerResources)
	v.SetDefault("allow_hidden", lib.AllowHidden)
	v.SetDefault("hidden_prefix", lib.HiddenPrefix)
	v.SetDefault("strict_hidden", lib.StrictHidden)
	v.SetDefault("hash_algorithm", lib.HashAlgorithm)
	v.SetDefault("resource_validators", lib.ResourceValidators)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.service", "metafs")

	v.SetDefault("server.listen_addr", "127.0.0.1:8080")
	v.SetDefault("server.drain_duration", 45*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", int64(64<<20))
	return nil
}

// decode converts viper's settings map into cfg. Durations may be given as
// strings ("30s"), lists as comma separated strings from the environment.
func decode(settings map[string]any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToSliceHook,
		),
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(settings)
}

// stringToSliceHook splits comma separated env values. A single value is
// kept whole so validator regexes containing commas survive.
func stringToSliceHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice {
		return data, nil
	}
	raw := strings.TrimSpace(data.(string))
	if raw == "" {
		return []string{}, nil
	}
	if !strings.HasPrefix(raw, "[") {
		return strings.Split(raw, ","), nil
	}
	return data, nil
}

// Validate checks struct tags and the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	names := make(map[string]bool, len(cfg.Resources))
	for i, r := range cfg.Resources {
		if names[r.Name] {
			return fmt.Errorf("resources[%d]: duplicate resource name %q", i, r.Name)
		}
		names[r.Name] = true
	}

	for i, pattern := range cfg.ResourceValidators {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("resource_validators[%d]: %w", i, err)
		}
	}

	for i, sn := range cfg.Snippets {
		if sn.Pattern == "" {
			continue
		}
		if _, err := regexp.Compile(sn.Pattern); err != nil {
			return fmt.Errorf("snippets[%d]: %w", i, err)
		}
	}

	if _, err := metafs.ParseChecksumAlgorithm(cfg.HashAlgorithm); err != nil {
		return fmt.Errorf("hash_algorithm: %w", err)
	}
	return nil
}

func formatValidationError(err error) error {
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		e := errs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
