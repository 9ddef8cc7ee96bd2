// Package config loads quickdrop settings from QD_* environment variables,
// optionally seeded from a .env file, and validates them up front so the
// process fails fast with every problem listed.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// Environment is the raw view of the QD_* variables. Durations and sizes
// stay strings here and are parsed by Load.
type Environment struct {
	Addr    string `env:"QD_ADDR,default=:8989"`
	BaseURL string `env:"QD_BASE_URL"`

	StorageBackend  string `env:"QD_STORAGE_BACKEND,default=disk"`
	StorageDir      string `env:"QD_STORAGE_DIR,default=./uploads"`
	StorageCapacity string `env:"QD_STORAGE_CAPACITY,default=10GiB"`
	MaxUpload       string `env:"QD_MAX_UPLOAD,default=512MiB"`
	StorageTimeout  string `env:"QD_STORAGE_TIMEOUT,default=30s"`
	TransferTimeout string `env:"QD_TRANSFER_TIMEOUT,default=5m"`

	S3Endpoint     string `env:"QD_S3_ENDPOINT"`
	S3AccessKey    string `env:"QD_S3_ACCESS_KEY"`
	S3SecretKey    string `env:"QD_S3_SECRET_KEY"`
	S3Bucket       string `env:"QD_S3_BUCKET"`
	S3Region       string `env:"QD_S3_REGION,default=us-east-1"`
	S3Prefix       string `env:"QD_S3_PREFIX"`
	S3PathStyle    bool   `env:"QD_S3_PATH_STYLE,default=true"`
	S3CreateBucket bool   `env:"QD_S3_CREATE_BUCKET,default=false"`

	Journal        string `env:"QD_JOURNAL,default=none"`
	JournalDSN     string `env:"QD_JOURNAL_DSN"`
	JournalTimeout string `env:"QD_JOURNAL_TIMEOUT,default=2s"`

	DefaultTTL          string `env:"QD_DEFAULT_TTL,default=1h"`
	MaxTTL              string `env:"QD_MAX_TTL,default=24h"`
	DefaultMaxDownloads int    `env:"QD_DEFAULT_MAX_DOWNLOADS,default=1"`
	MaxDownloadsLimit   int    `env:"QD_MAX_DOWNLOADS_LIMIT,default=100"`
	ReaperInterval      string `env:"QD_REAPER_INTERVAL,default=1m"`
	TombstoneRetention  string `env:"QD_TOMBSTONE_RETENTION,default=10m"`

	RateLimitPerMinute int  `env:"QD_RATE_LIMIT_PER_MINUTE,default=300"`
	UploadRatePerHour  int  `env:"QD_UPLOAD_RATE_PER_HOUR,default=60"`
	TrustProxy         bool `env:"QD_TRUST_PROXY,default=false"`

	LogLevel        string `env:"QD_LOG_LEVEL,default=info"`
	LogFormat       string `env:"QD_LOG_FORMAT,default=text"`
	ShutdownTimeout string `env:"QD_SHUTDOWN_TIMEOUT,default=10s"`
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendMinio  = "minio"
	BackendS3     = "s3"
)

// Journal kinds.
const (
	JournalNone     = "none"
	JournalSQLite   = "sqlite"
	JournalPostgres = "postgres"
)

type Storage struct {
	Backend         string
	Dir             string
	Capacity        int64
	MaxUpload       int64
	Timeout         time.Duration
	TransferTimeout time.Duration
	S3              S3
}

type S3 struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	Region       string
	Prefix       string
	PathStyle    bool
	CreateBucket bool
}

type Journal struct {
	Kind string
	DSN  string
	// Timeout bounds one journal write. Writes run under a lifecycle shard
	// lock, so a slow journal stalls every token in that shard for up to
	// this long.
	Timeout time.Duration
}

type Lifecycle struct {
	DefaultTTL          time.Duration
	MaxTTL              time.Duration
	DefaultMaxDownloads int
	MaxDownloadsLimit   int
	TombstoneRetention  time.Duration
	ReaperInterval      time.Duration
}

type RateLimit struct {
	PerMinute     int
	UploadPerHour int
	TrustProxy    bool
}

type Log struct {
	Level  string
	Format string
}

// Config is the validated, typed configuration.
type Config struct {
	Addr            string
	BaseURL         string
	Storage         Storage
	Journal         Journal
	Lifecycle       Lifecycle
	RateLimit       RateLimit
	Log             Log
	ShutdownTimeout time.Duration
}

// Load reads envFiles (missing files are ignored; variables already set win)
// and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var e Environment
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return FromEnvironment(e)
}

// FromEnvironment validates e and converts it.
func FromEnvironment(e Environment) (*Config, error) {
	v := NewValidator()

	cfg := &Config{
		Addr:    strings.TrimSpace(e.Addr),
		BaseURL: strings.TrimRight(strings.TrimSpace(e.BaseURL), "/"),
		Storage: Storage{
			Backend: strings.ToLower(strings.TrimSpace(e.StorageBackend)),
			Dir:     e.StorageDir,
			S3: S3{
				Endpoint:     e.S3Endpoint,
				AccessKey:    e.S3AccessKey,
				SecretKey:    e.S3SecretKey,
				Bucket:       e.S3Bucket,
				Region:       e.S3Region,
				Prefix:       e.S3Prefix,
				PathStyle:    e.S3PathStyle,
				CreateBucket: e.S3CreateBucket,
			},
		},
		Journal: Journal{
			Kind: strings.ToLower(strings.TrimSpace(e.Journal)),
			DSN:  e.JournalDSN,
		},
		Lifecycle: Lifecycle{
			DefaultMaxDownloads: e.DefaultMaxDownloads,
			MaxDownloadsLimit:   e.MaxDownloadsLimit,
		},
		RateLimit: RateLimit{
			PerMinute:     e.RateLimitPerMinute,
			UploadPerHour: e.UploadRatePerHour,
			TrustProxy:    e.TrustProxy,
		},
		Log: Log{
			Level:  strings.ToLower(e.LogLevel),
			Format: strings.ToLower(e.LogFormat),
		},
	}

	v.ListenAddr("QD_ADDR", cfg.Addr)
	v.URL("QD_BASE_URL", cfg.BaseURL)

	v.Enum("QD_STORAGE_BACKEND", cfg.Storage.Backend, BackendMemory, BackendDisk, BackendMinio, BackendS3)
	cfg.Storage.Capacity = v.Bytes("QD_STORAGE_CAPACITY", e.StorageCapacity)
	cfg.Storage.MaxUpload = v.Bytes("QD_MAX_UPLOAD", e.MaxUpload)
	cfg.Storage.Timeout = v.Duration("QD_STORAGE_TIMEOUT", e.StorageTimeout, true)
	cfg.Storage.TransferTimeout = v.Duration("QD_TRANSFER_TIMEOUT", e.TransferTimeout, true)
	switch cfg.Storage.Backend {
	case BackendDisk:
		v.Required("QD_STORAGE_DIR", cfg.Storage.Dir)
	case BackendMinio:
		v.Required("QD_S3_ENDPOINT", cfg.Storage.S3.Endpoint)
		v.Required("QD_S3_ACCESS_KEY", cfg.Storage.S3.AccessKey)
		v.Required("QD_S3_SECRET_KEY", cfg.Storage.S3.SecretKey)
		v.Required("QD_S3_BUCKET", cfg.Storage.S3.Bucket)
	case BackendS3:
		v.Required("QD_S3_BUCKET", cfg.Storage.S3.Bucket)
		if cfg.Storage.S3.Endpoint != "" {
			v.URL("QD_S3_ENDPOINT", cfg.Storage.S3.Endpoint)
		}
		if (cfg.Storage.S3.AccessKey == "") != (cfg.Storage.S3.SecretKey == "") {
			v.AddError("QD_S3_SECRET_KEY", "access key and secret key must be set together")
		}
	}
	if cfg.Storage.Capacity > 0 && cfg.Storage.MaxUpload > cfg.Storage.Capacity {
		v.AddError("QD_MAX_UPLOAD", fmt.Sprintf("exceeds storage capacity %s", humanize.IBytes(uint64(cfg.Storage.Capacity))))
	}

	v.Enum("QD_JOURNAL", cfg.Journal.Kind, JournalNone, JournalSQLite, JournalPostgres)
	if cfg.Journal.Kind == JournalSQLite || cfg.Journal.Kind == JournalPostgres {
		v.Required("QD_JOURNAL_DSN", cfg.Journal.DSN)
	}
	if cfg.Journal.Kind == JournalPostgres && cfg.Journal.DSN != "" &&
		!strings.HasPrefix(cfg.Journal.DSN, "postgres://") && !strings.HasPrefix(cfg.Journal.DSN, "postgresql://") {
		v.AddError("QD_JOURNAL_DSN", "must be a postgres:// connection URL")
	}
	cfg.Journal.Timeout = v.Duration("QD_JOURNAL_TIMEOUT", e.JournalTimeout, true)

	cfg.Lifecycle.DefaultTTL = v.Duration("QD_DEFAULT_TTL", e.DefaultTTL, true)
	cfg.Lifecycle.MaxTTL = v.Duration("QD_MAX_TTL", e.MaxTTL, true)
	if cfg.Lifecycle.DefaultTTL > cfg.Lifecycle.MaxTTL && cfg.Lifecycle.MaxTTL > 0 {
		v.AddError("QD_DEFAULT_TTL", "must not exceed QD_MAX_TTL")
	}
	v.PositiveInt("QD_DEFAULT_MAX_DOWNLOADS", cfg.Lifecycle.DefaultMaxDownloads)
	v.PositiveInt("QD_MAX_DOWNLOADS_LIMIT", cfg.Lifecycle.MaxDownloadsLimit)
	if cfg.Lifecycle.DefaultMaxDownloads > cfg.Lifecycle.MaxDownloadsLimit {
		v.AddError("QD_DEFAULT_MAX_DOWNLOADS", "must not exceed QD_MAX_DOWNLOADS_LIMIT")
	}
	cfg.Lifecycle.ReaperInterval = v.Duration("QD_REAPER_INTERVAL", e.ReaperInterval, true)
	cfg.Lifecycle.TombstoneRetention = v.Duration("QD_TOMBSTONE_RETENTION", e.TombstoneRetention, false)

	v.PositiveInt("QD_RATE_LIMIT_PER_MINUTE", cfg.RateLimit.PerMinute)
	v.PositiveInt("QD_UPLOAD_RATE_PER_HOUR", cfg.RateLimit.UploadPerHour)

	v.Enum("QD_LOG_LEVEL", cfg.Log.Level, "debug", "info", "warn", "error")
	v.Enum("QD_LOG_FORMAT", cfg.Log.Format, "text", "logfmt", "json")
	cfg.ShutdownTimeout = v.Duration("QD_SHUTDOWN_TIMEOUT", e.ShutdownTimeout, true)

	if err := v.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Warnings lists settings that are valid but probably not what production
// wants.
func (c *Config) Warnings() []string {
	var w []string
	if c.BaseURL == "" {
		w = append(w, "QD_BASE_URL not set - share links use the request host")
	}
	if c.Storage.Backend == BackendMemory {
		w = append(w, "QD_STORAGE_BACKEND=memory - uploads are lost on restart")
	}
	if c.Journal.Kind == JournalNone && c.Storage.Backend != BackendMemory {
		w = append(w, "QD_JOURNAL=none - links do not survive a restart and QD_STORAGE_DIR is cleared on startup")
	}
	if c.Log.Format == "text" {
		w = append(w, "QD_LOG_FORMAT=text - consider json for production")
	}
	return w
}
