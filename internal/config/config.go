package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "KANA"

	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabasePath        = "kana.db"
	defaultDatabaseMaxOpen     = 10
	defaultStorageMode         = StorageModeSink
	defaultMaxUploadBytes      = 25 * 1024 * 1024
	defaultRateLimitCapacity   = 15
	defaultRateLimitWindow     = time.Second
	defaultSnapshotConcurrency = 4
	defaultFetchTimeout        = 30 * time.Second
	defaultChunkSize           = 10
	defaultIdleTimeout         = 180 * time.Second
	defaultEventsChannel       = "kana:events"
	defaultRepliesChannel      = "kana:replies"
	defaultEventBuffer         = 256

	// StorageModeSink stores avatars on the blob sink and keeps their URL.
	StorageModeSink = "sink"
	// StorageModeInline stores avatar bytes in the history table.
	StorageModeInline = "inline"
)

// AppConfig captures runtime configuration for the capture engine and retrieval API.
type AppConfig struct {
	HTTPAddress string
	// PublicURL is the externally reachable base of the retrieval API. Browsers link
	// images through it when set.
	PublicURL string
	LogLevel  string
	Database  DatabaseConfig
	Storage   StorageConfig
	Sink      SinkConfig
	RateLimit RateLimitConfig
	Capture   CaptureConfig
	Browse    BrowseConfig
	Bus       BusConfig
}

// DatabaseConfig selects the relational backend.
type DatabaseConfig struct {
	Driver       string
	Path         string
	DSN          string
	MaxOpenConns int
}

// ConnectionString returns the path for sqlite and the dsn otherwise.
func (c DatabaseConfig) ConnectionString() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return c.DSN
}

// StorageConfig selects where avatar bytes live.
type StorageConfig struct {
	Mode string
}

// SinkConfig lists the blob sink destinations.
type SinkConfig struct {
	Webhooks       []string
	MaxUploadBytes int
	S3             S3Config
}

// S3Config configures the optional S3-compatible sink endpoint.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PublicURL       string
	KeyPrefix       string
}

// Enabled reports whether an S3 bucket was configured.
func (c S3Config) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

// RateLimitConfig bounds sink uploads per key.
type RateLimitConfig struct {
	Capacity int
	Window   time.Duration
}

// CaptureConfig tunes the capture pipeline.
type CaptureConfig struct {
	SnapshotConcurrency int
	FetchTimeout        time.Duration
}

// BrowseConfig tunes interactive history browsers.
type BrowseConfig struct {
	ChunkSize   int
	IdleTimeout time.Duration
}

// BusConfig selects the platform event transport. An empty RedisAddress keeps the
// bus in process.
type BusConfig struct {
	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	EventsChannel  string
	RepliesChannel string
	Buffer         int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.public_url", "")
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("database.max_open_conns", defaultDatabaseMaxOpen)

	configViper.SetDefault("storage.mode", defaultStorageMode)

	configViper.SetDefault("sink.webhooks", []string{})
	configViper.SetDefault("sink.max_upload_bytes", defaultMaxUploadBytes)
	configViper.SetDefault("sink.s3.bucket", "")
	configViper.SetDefault("sink.s3.region", "")
	configViper.SetDefault("sink.s3.endpoint", "")
	configViper.SetDefault("sink.s3.access_key_id", "")
	configViper.SetDefault("sink.s3.secret_access_key", "")
	configViper.SetDefault("sink.s3.use_path_style", false)
	configViper.SetDefault("sink.s3.public_url", "")
	configViper.SetDefault("sink.s3.key_prefix", "avatars")

	configViper.SetDefault("ratelimit.capacity", defaultRateLimitCapacity)
	configViper.SetDefault("ratelimit.window", defaultRateLimitWindow)

	configViper.SetDefault("capture.snapshot_concurrency", defaultSnapshotConcurrency)
	configViper.SetDefault("capture.fetch_timeout", defaultFetchTimeout)

	configViper.SetDefault("browse.chunk_size", defaultChunkSize)
	configViper.SetDefault("browse.idle_timeout", defaultIdleTimeout)

	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.events_channel", defaultEventsChannel)
	configViper.SetDefault("redis.replies_channel", defaultRepliesChannel)
	configViper.SetDefault("bus.buffer", defaultEventBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		PublicURL:   strings.TrimRight(strings.TrimSpace(configViper.GetString("http.public_url")), "/"),
		LogLevel:    configViper.GetString("log.level"),
		Database: DatabaseConfig{
			Driver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:         configViper.GetString("database.path"),
			DSN:          configViper.GetString("database.dsn"),
			MaxOpenConns: configViper.GetInt("database.max_open_conns"),
		},
		Storage: StorageConfig{
			Mode: strings.ToLower(strings.TrimSpace(configViper.GetString("storage.mode"))),
		},
		Sink: SinkConfig{
			Webhooks:       splitList(configViper.GetStringSlice("sink.webhooks")),
			MaxUploadBytes: configViper.GetInt("sink.max_upload_bytes"),
			S3: S3Config{
				Bucket:          configViper.GetString("sink.s3.bucket"),
				Region:          configViper.GetString("sink.s3.region"),
				Endpoint:        configViper.GetString("sink.s3.endpoint"),
				AccessKeyID:     configViper.GetString("sink.s3.access_key_id"),
				SecretAccessKey: configViper.GetString("sink.s3.secret_access_key"),
				UsePathStyle:    configViper.GetBool("sink.s3.use_path_style"),
				PublicURL:       configViper.GetString("sink.s3.public_url"),
				KeyPrefix:       configViper.GetString("sink.s3.key_prefix"),
			},
		},
		RateLimit: RateLimitConfig{
			Capacity: configViper.GetInt("ratelimit.capacity"),
			Window:   configViper.GetDuration("ratelimit.window"),
		},
		Capture: CaptureConfig{
			SnapshotConcurrency: configViper.GetInt("capture.snapshot_concurrency"),
			FetchTimeout:        configViper.GetDuration("capture.fetch_timeout"),
		},
		Browse: BrowseConfig{
			ChunkSize:   configViper.GetInt("browse.chunk_size"),
			IdleTimeout: configViper.GetDuration("browse.idle_timeout"),
		},
		Bus: BusConfig{
			RedisAddress:   strings.TrimSpace(configViper.GetString("redis.address")),
			RedisPassword:  configViper.GetString("redis.password"),
			RedisDB:        configViper.GetInt("redis.db"),
			EventsChannel:  configViper.GetString("redis.events_channel"),
			RepliesChannel: configViper.GetString("redis.replies_channel"),
			Buffer:         configViper.GetInt("bus.buffer"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}

	switch c.Storage.Mode {
	case StorageModeSink:
		if len(c.Sink.Webhooks) == 0 && !c.Sink.S3.Enabled() {
			return fmt.Errorf("storage.mode sink requires sink.webhooks or sink.s3.bucket")
		}
	case StorageModeInline:
	default:
		return fmt.Errorf("storage.mode %q is not supported", c.Storage.Mode)
	}

	if c.Sink.MaxUploadBytes <= 0 {
		return fmt.Errorf("sink.max_upload_bytes must be positive")
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("ratelimit.capacity must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive")
	}
	if c.Capture.SnapshotConcurrency <= 0 {
		return fmt.Errorf("capture.snapshot_concurrency must be positive")
	}
	if c.Browse.ChunkSize <= 0 {
		return fmt.Errorf("browse.chunk_size must be positive")
	}
	if c.Browse.IdleTimeout <= 0 {
		return fmt.Errorf("browse.idle_timeout must be positive")
	}
	if strings.TrimSpace(c.Bus.EventsChannel) == "" || strings.TrimSpace(c.Bus.RepliesChannel) == "" {
		return fmt.Errorf("redis.events_channel and redis.replies_channel are required")
	}
	return nil
}

// splitList accepts list values from config files and comma separated env values.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
