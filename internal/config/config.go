package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "DOCSYNC_"

// Storage backend kinds.
const (
	StorageMemory   = "memory"
	StorageS3       = "s3"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
	StorageGit      = "git"
)

// Document creation policies for an id that already exists.
const (
	CreateReject = "reject"
	CreateReuse  = "reuse"
)

type Config struct {
	Addr       string `koanf:"addr"`
	URLPrefix  string `koanf:"url_prefix"`
	CORSOrigin string `koanf:"cors_origin"`

	// AuthKey enables token auth when set. Generate one with `api gen-auth`.
	AuthKey     string        `koanf:"auth_key"`
	TokenTTL    time.Duration `koanf:"token_ttl"`
	MaxTokenTTL time.Duration `koanf:"max_token_ttl"`

	CreatePolicy  string        `koanf:"create_policy"`
	FlushInterval time.Duration `koanf:"flush_interval"`
	EvictAfter    time.Duration `koanf:"evict_after"`
	MaxDocuments  int           `koanf:"max_documents"`

	SessionQueueSize     int           `koanf:"session_queue_size"`
	SessionIdleTimeout   time.Duration `koanf:"session_idle_timeout"`
	PingInterval         time.Duration `koanf:"ping_interval"`
	MaxMessagesPerSecond float64       `koanf:"max_messages_per_second"`
	MaxMessageBytes      int64         `koanf:"max_message_bytes"`

	LogLevel string `koanf:"log_level"`
	LogJSON  bool   `koanf:"log_json"`

	Storage Storage `koanf:",squash"`
}

// Storage is immutable after startup.
type Storage struct {
	Kind            string `koanf:"storage_kind"`
	Bucket          string `koanf:"storage_bucket"`
	Prefix          string `koanf:"storage_prefix"`
	Region          string `koanf:"storage_region"`
	AccessKeyID     string `koanf:"storage_access_key_id"`
	SecretAccessKey string `koanf:"storage_secret_access_key"`
	Endpoint        string `koanf:"storage_endpoint"`
	RedisURL        string `koanf:"storage_redis_url"`
	DatabaseURL     string `koanf:"storage_database_url"`
	Dir             string `koanf:"storage_dir"`
}

func Default() Config {
	return Config{
		Addr:                 ":8080",
		CORSOrigin:           "*",
		TokenTTL:             time.Hour,
		MaxTokenTTL:          24 * time.Hour,
		CreatePolicy:         CreateReject,
		FlushInterval:        10 * time.Second,
		EvictAfter:           10 * time.Minute,
		MaxDocuments:         10000,
		SessionQueueSize:     256,
		SessionIdleTimeout:   60 * time.Second,
		PingInterval:         20 * time.Second,
		MaxMessagesPerSecond: 200,
		MaxMessageBytes:      16 << 20,
		LogLevel:             "info",
		LogJSON:              true,
		Storage: Storage{
			Kind: StorageMemory,
		},
	}
}

// Load layers defaults, the optional YAML file and DOCSYNC_* environment
// variables, in that order. An empty path falls back to DOCSYNC_CONFIG_FILE.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG_FILE")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envKey := func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		if key == "config_file" {
			return ""
		}
		return key
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Storage.Kind = strings.ToLower(strings.TrimSpace(cfg.Storage.Kind))
	cfg.CreatePolicy = strings.ToLower(strings.TrimSpace(cfg.CreatePolicy))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) AuthEnabled() bool {
	return strings.TrimSpace(c.AuthKey) != ""
}

func (c Config) Validate() error {
	var errs []error
	switch c.CreatePolicy {
	case CreateReject, CreateReuse:
	default:
		errs = append(errs, fmt.Errorf("create_policy must be %q or %q, got %q", CreateReject, CreateReuse, c.CreatePolicy))
	}
	if c.SessionQueueSize <= 0 {
		errs = append(errs, errors.New("session_queue_size must be positive"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token_ttl must be positive"))
	}
	if c.MaxTokenTTL < c.TokenTTL {
		errs = append(errs, errors.New("max_token_ttl must not be shorter than token_ttl"))
	}
	if c.URLPrefix != "" && !strings.HasPrefix(c.URLPrefix, "http://") && !strings.HasPrefix(c.URLPrefix, "https://") {
		errs = append(errs, fmt.Errorf("url_prefix must start with http:// or https://, got %q", c.URLPrefix))
	}
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s Storage) Validate() error {
	switch s.Kind {
	case StorageMemory:
		return nil
	case StorageS3:
		var missing []string
		for name, value := range map[string]string{
			"storage_bucket":            s.Bucket,
			"storage_region":            s.Region,
			"storage_access_key_id":     s.AccessKeyID,
			"storage_secret_access_key": s.SecretAccessKey,
		} {
			if strings.TrimSpace(value) == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("s3 storage requires %s", strings.Join(missing, ", "))
		}
		return nil
	case StorageRedis:
		if strings.TrimSpace(s.RedisURL) == "" {
			return errors.New("redis storage requires storage_redis_url")
		}
		return nil
	case StoragePostgres:
		if strings.TrimSpace(s.DatabaseURL) == "" {
			return errors.New("postgres storage requires storage_database_url")
		}
		return nil
	case StorageGit:
		if strings.TrimSpace(s.Dir) == "" {
			return errors.New("git storage requires storage_dir")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage_kind %q", s.Kind)
	}
}
