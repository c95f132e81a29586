// Package config loads the YAML configuration and holds the HTTP, path and error constants.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var configLogger zerolog.Logger

func SetLogger(l zerolog.Logger) {
	configLogger = l
}

const SupportedVersion = "1"

// Config represents the complete configuration structure
type Config struct {
	Version    string           `yaml:"version" default:"1"`
	Site       SiteConfig       `yaml:"site"`
	Server     ServerConfig     `yaml:"server"`
	Theme      ThemeConfig      `yaml:"theme"`
	Preview    PreviewConfig    `yaml:"preview"`
	Relay      RelayConfig      `yaml:"relay"`
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Storage    StorageConfig    `yaml:"storage"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"console"`
}

type SiteConfig struct {
	Name        string `yaml:"name" default:"Knowledge Base"`
	Description string `yaml:"description" default:"Articles and tutorials"`
}

type ServerConfig struct {
	Host string `yaml:"host" default:"0.0.0.0"`
	Port string `yaml:"port" default:"12600"`
}

type ThemeConfig struct {
	SyntaxHighlighting SyntaxConfig `yaml:"syntax_highlighting"`
}

type SyntaxConfig struct {
	Default string `yaml:"default" default:"gruvbox"`
}

type PreviewConfig struct {
	Enabled           bool          `yaml:"enabled" default:"true"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" default:"500ms"`
	HeartbeatDuration time.Duration `yaml:"heartbeat_duration" default:"10s"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout" default:"3s"`
	UpgradeTimeout    time.Duration `yaml:"upgrade_timeout" default:"5s"`
	RelayCapacity     int           `yaml:"relay_capacity_bytes" default:"50000"`
	MirrorRelay       bool          `yaml:"mirror_relay" default:"true"`
	PollMin           time.Duration `yaml:"poll_min" default:"250ms"`
	PollMax           time.Duration `yaml:"poll_max" default:"5s"`
	ClearOnTeardown   bool          `yaml:"clear_on_teardown" default:"true"`
}

type RelayConfig struct {
	Backend    string `yaml:"backend" default:"memory"`
	Namespace  string `yaml:"namespace" default:"kb:preview"`
	RedisURL   string `yaml:"redis_url" default:"redis://localhost:6379/0"`
	QuotaBytes int    `yaml:"quota_bytes" default:"5242880"`
}

type NormalizerConfig struct {
	AllowedEmbedHosts []string `yaml:"allowed_embed_hosts" default:"youtube.com,youtube-nocookie.com,youtu.be,vimeo.com,codesandbox.io,codepen.io,stackblitz.com,jsfiddle.net,replit.com"`
	ObjectStorageHost string   `yaml:"object_storage_host" default:""`
	CacheSize         int      `yaml:"cache_size" default:"512"`
}

type StorageConfig struct {
	DatabasePath string `yaml:"database_path" default:"./database.db"`
	Compression  string `yaml:"compression" default:"zstd"`
}

type AuthConfig struct {
	Enabled      bool   `yaml:"enabled" default:"true"`
	PublicKeyEnv string `yaml:"public_key_env" default:"ED25519_PUBKEY"`
	UserID       string `yaml:"user_id" default:"admin"`
}

var AppConfig *Config

func LoadConfig(path string) error {
	config := &Config{}

	// Apply default values first
	applyDefaults(config)

	// Try to read and parse the config file
	data, err := os.ReadFile(path)
	if err != nil {
		// If file doesn't exist, just use defaults
		configLogger.Info().Str("path", path).Msg("Config file not found, using defaults")
		AppConfig = config
		return nil
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return err
	}

	AppConfig = config
	return nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func (c *Config) Validate() error {
	if c.Version != SupportedVersion {
		return fmt.Errorf("unsupported configuration version %q (want %q)", c.Version, SupportedVersion)
	}
	switch c.Relay.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown relay backend %q", c.Relay.Backend)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	switch c.Storage.Compression {
	case "zstd", "gzip":
	default:
		return fmt.Errorf("unknown compression %q", c.Storage.Compression)
	}
	if c.Preview.RelayCapacity <= 0 {
		return fmt.Errorf("preview.relay_capacity_bytes must be positive, got %d", c.Preview.RelayCapacity)
	}
	if c.Preview.HeartbeatInterval <= 0 || c.Preview.HeartbeatDuration < c.Preview.HeartbeatInterval {
		return fmt.Errorf("preview heartbeat interval %s must be positive and not exceed duration %s",
			c.Preview.HeartbeatInterval, c.Preview.HeartbeatDuration)
	}
	if c.Preview.PollMin <= 0 || c.Preview.PollMax < c.Preview.PollMin {
		return fmt.Errorf("preview poll bounds invalid: min %s, max %s", c.Preview.PollMin, c.Preview.PollMax)
	}
	return nil
}

func ApplyDefaults(config interface{}) {
	applyDefaults(config)
}

var durationType = reflect.TypeOf(time.Duration(0))

func applyDefaults(config interface{}) {
	v := reflect.ValueOf(config)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.IsValid() || !field.CanSet() {
			continue
		}

		// Recursively apply defaults to nested structs
		if field.Kind() == reflect.Struct {
			applyDefaults(field.Addr().Interface())
			continue
		}

		defaultValue := fieldType.Tag.Get("default")
		if defaultValue == "" {
			continue
		}

		if field.Type() == durationType {
			if val, err := time.ParseDuration(defaultValue); err == nil {
				field.SetInt(int64(val))
			}
			continue
		}

		switch field.Kind() {
		case reflect.String:
			field.SetString(defaultValue)
		case reflect.Bool:
			if val, err := strconv.ParseBool(defaultValue); err == nil {
				field.SetBool(val)
			}
		case reflect.Int, reflect.Int64:
			if val, err := strconv.ParseInt(defaultValue, 10, 64); err == nil {
				field.SetInt(val)
			}
		case reflect.Float64:
			if val, err := strconv.ParseFloat(defaultValue, 64); err == nil {
				field.SetFloat(val)
			}
		case reflect.Slice:
			if field.Len() == 0 && field.Type().Elem().Kind() == reflect.String {
				parts := strings.Split(defaultValue, ",")
				slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
				for j, part := range parts {
					slice.Index(j).SetString(strings.TrimSpace(part))
				}
				field.Set(slice)
			}
		default:
			configLogger.Warn().
				Str("field_name", fieldType.Name).
				Str("field_type", field.Kind().String()).
				Msg("Unsupported field type for default value")
		}
	}
}
