// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Graph     GraphConfig     `mapstructure:"graph"`
	Client    ClientConfig    `mapstructure:"client"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the coordination listener.
type ServerConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	MaxConnections         int    `mapstructure:"max_connections"`
	ConnTimeoutSeconds     int    `mapstructure:"conn_timeout_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
	CompressThreshold      int    `mapstructure:"compress_threshold"`
	MaxFrameBytes          int    `mapstructure:"max_frame_bytes"`
	MaxBatchSize           int    `mapstructure:"max_batch_size"`
}

// FrontierConfig selects the frontier backend.
type FrontierConfig struct {
	Provider            string `mapstructure:"provider"`
	SQLitePath          string `mapstructure:"sqlite_path"`
	Table               string `mapstructure:"table"`
	LeaseTimeoutSeconds int    `mapstructure:"lease_timeout_seconds"`
	LeaseSweepSeconds   int    `mapstructure:"lease_sweep_seconds"`
}

// CaptureConfig selects the capture index backend and blob layout.
type CaptureConfig struct {
	Index            string `mapstructure:"index"`
	SQLitePath       string `mapstructure:"sqlite_path"`
	Table            string `mapstructure:"table"`
	Prefix           string `mapstructure:"prefix"`
	DiagnosticPrefix string `mapstructure:"diagnostic_prefix"`
}

// StorageConfig sets where capture blobs live.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
	ProfileTable string `mapstructure:"profile_table"`
	FriendTable  string `mapstructure:"friend_table"`
}

// IngestConfig tunes profile extraction and frontier expansion.
type IngestConfig struct {
	Entities           []string `mapstructure:"entities"`
	ExpandLanguages    []string `mapstructure:"expand_languages"`
	CandidateLanguages []string `mapstructure:"candidate_languages"`
	NameSelector       string   `mapstructure:"name_selector"`
	FriendSelector     string   `mapstructure:"friend_selector"`
	FriendAttr         string   `mapstructure:"friend_attr"`
	FieldSelector      string   `mapstructure:"field_selector"`
	FieldAttr          string   `mapstructure:"field_attr"`
	TextSelector       string   `mapstructure:"text_selector"`
}

// PublisherConfig selects where ingestion events go.
type PublisherConfig struct {
	Provider     string   `mapstructure:"provider"`
	Topic        string   `mapstructure:"topic"`
	ProjectID    string   `mapstructure:"project_id"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
}

// GraphConfig holds Neo4j connection settings.
type GraphConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// ClientConfig configures the fetch client loop.
type ClientConfig struct {
	Server                 string  `mapstructure:"server"`
	Username               string  `mapstructure:"username"`
	Password               string  `mapstructure:"password"`
	Engine                 string  `mapstructure:"engine"`
	BackoffSeconds         int     `mapstructure:"backoff_seconds"`
	MaxConsecutiveFailures int     `mapstructure:"max_consecutive_failures"`
	BatchSize              int     `mapstructure:"batch_size"`
	DialTimeoutSeconds     int     `mapstructure:"dial_timeout_seconds"`
	FetchesPerMinute       float64 `mapstructure:"fetches_per_minute"`
}

// FetchConfig describes how profile pages are located and rendered on the target site.
type FetchConfig struct {
	BaseURL           string            `mapstructure:"base_url"`
	LoginURL          string            `mapstructure:"login_url"`
	Variants          map[string]string `mapstructure:"variants"`
	UserAgent         string            `mapstructure:"user_agent"`
	UsernameField     string            `mapstructure:"username_field"`
	PasswordField     string            `mapstructure:"password_field"`
	SubmitSelector    string            `mapstructure:"submit_selector"`
	LoggedInSelector  string            `mapstructure:"logged_in_selector"`
	NavTimeoutSeconds int               `mapstructure:"nav_timeout_seconds"`
	ScrollRounds      int               `mapstructure:"scroll_rounds"`
	Headless          bool              `mapstructure:"headless"`
}

// MetricsConfig controls the ops HTTP listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadWithFlags(path, nil, nil)
}

// LoadWithFlags builds a Config and lets command-line flags override keys. bindings maps a
// flag name to its config key; flags missing from the set are ignored.
func LoadWithFlags(path string, flags *pflag.FlagSet, bindings map[string]string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range bindings {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.max_connections", 64)
	v.SetDefault("server.conn_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("server.compress_threshold", 1024)
	v.SetDefault("server.max_frame_bytes", 64<<20)
	v.SetDefault("server.max_batch_size", 16)

	v.SetDefault("frontier.provider", "sqlite")
	v.SetDefault("frontier.sqlite_path", "data/frontier.db")
	v.SetDefault("frontier.table", "crawl_target")
	v.SetDefault("frontier.lease_timeout_seconds", 0)
	v.SetDefault("frontier.lease_sweep_seconds", 60)

	v.SetDefault("capture.index", "sqlite")
	v.SetDefault("capture.sqlite_path", "data/captures.db")
	v.SetDefault("capture.table", "capture_index")
	v.SetDefault("capture.prefix", "captures")
	v.SetDefault("capture.diagnostic_prefix", "failures")

	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_dir", "data/blobs")
	v.SetDefault("storage.gcs_bucket", "")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.profile_table", "profile")
	v.SetDefault("db.friend_table", "friendship")

	v.SetDefault("ingest.entities", []string{})
	v.SetDefault("ingest.expand_languages", []string{"en"})
	v.SetDefault("ingest.candidate_languages", []string{"en", "de", "fr", "es", "it", "pt", "nl"})
	v.SetDefault("ingest.name_selector", "[data-profile-name]")
	v.SetDefault("ingest.friend_selector", "a[data-profile-id]")
	v.SetDefault("ingest.friend_attr", "data-profile-id")
	v.SetDefault("ingest.field_selector", "[data-field]")
	v.SetDefault("ingest.field_attr", "data-field")
	v.SetDefault("ingest.text_selector", "[data-post], [data-bio]")

	v.SetDefault("publisher.provider", "none")
	v.SetDefault("publisher.topic", "harvester-ingest")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.kafka_brokers", []string{})

	v.SetDefault("graph.uri", "")
	v.SetDefault("graph.username", "")
	v.SetDefault("graph.password", "")
	v.SetDefault("graph.database", "neo4j")

	v.SetDefault("client.server", "localhost:8000")
	v.SetDefault("client.username", "")
	v.SetDefault("client.password", "")
	v.SetDefault("client.engine", "headless")
	v.SetDefault("client.backoff_seconds", 60)
	v.SetDefault("client.max_consecutive_failures", 5)
	v.SetDefault("client.batch_size", 1)
	v.SetDefault("client.dial_timeout_seconds", 10)
	v.SetDefault("client.fetches_per_minute", 0)

	v.SetDefault("fetch.base_url", "")
	v.SetDefault("fetch.login_url", "")
	v.SetDefault("fetch.variants", map[string]string{"timeline": "/%s"})
	v.SetDefault("fetch.user_agent", "harvester/0.1")
	v.SetDefault("fetch.username_field", "email")
	v.SetDefault("fetch.password_field", "pass")
	v.SetDefault("fetch.submit_selector", `button[type="submit"]`)
	v.SetDefault("fetch.logged_in_selector", "body")
	v.SetDefault("fetch.nav_timeout_seconds", 30)
	v.SetDefault("fetch.scroll_rounds", 3)
	v.SetDefault("fetch.headless", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within 0-65535")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be > 0")
	}
	if c.Server.MaxFrameBytes <= 0 {
		return fmt.Errorf("server.max_frame_bytes must be > 0")
	}
	if c.Server.MaxBatchSize <= 0 {
		return fmt.Errorf("server.max_batch_size must be > 0")
	}
	switch c.Frontier.Provider {
	case "sqlite", "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when frontier.provider is postgres")
		}
	default:
		return fmt.Errorf("frontier.provider %q is not supported", c.Frontier.Provider)
	}
	switch c.Capture.Index {
	case "sqlite", "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when capture.index is postgres")
		}
	default:
		return fmt.Errorf("capture.index %q is not supported", c.Capture.Index)
	}
	switch c.Storage.Provider {
	case "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
		}
	default:
		return fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider)
	}
	for _, e := range c.Ingest.Entities {
		switch e {
		case "postgres":
			if c.DB.DSN == "" {
				return fmt.Errorf("db.dsn must be set for the postgres entity store")
			}
		case "graph":
			if c.Graph.URI == "" {
				return fmt.Errorf("graph.uri must be set for the graph entity store")
			}
		case "memory":
		default:
			return fmt.Errorf("ingest.entities: unknown store %q", e)
		}
	}
	switch c.Publisher.Provider {
	case "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set for pubsub")
		}
	case "kafka":
		if len(c.Publisher.KafkaBrokers) == 0 {
			return fmt.Errorf("publisher.kafka_brokers must be set for kafka")
		}
	default:
		return fmt.Errorf("publisher.provider %q is not supported", c.Publisher.Provider)
	}
	switch c.Client.Engine {
	case "headless", "colly":
	default:
		return fmt.Errorf("client.engine %q is not supported", c.Client.Engine)
	}
	if c.Client.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("client.max_consecutive_failures must be > 0")
	}
	if c.Client.BatchSize <= 0 {
		return fmt.Errorf("client.batch_size must be > 0")
	}
	if c.Client.BackoffSeconds < 0 {
		return fmt.Errorf("client.backoff_seconds must be >= 0")
	}
	return nil
}

// ListenAddr returns host:port for the coordination listener.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ShutdownTimeout converts the configured shutdown budget into a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// ConnTimeout bounds a single request/response exchange.
func (c Config) ConnTimeout() time.Duration {
	return time.Duration(c.Server.ConnTimeoutSeconds) * time.Second
}

// LeaseTimeout returns the reservation lease, zero when disabled.
func (c Config) LeaseTimeout() time.Duration {
	return time.Duration(c.Frontier.LeaseTimeoutSeconds) * time.Second
}

// LeaseSweep returns how often stale reservations are reclaimed.
func (c Config) LeaseSweep() time.Duration {
	return time.Duration(c.Frontier.LeaseSweepSeconds) * time.Second
}

// ClientDialTimeout bounds the client's TCP connect.
func (c Config) ClientDialTimeout() time.Duration {
	return time.Duration(c.Client.DialTimeoutSeconds) * time.Second
}

// FetchNavTimeout bounds one page render.
func (c Config) FetchNavTimeout() time.Duration {
	return time.Duration(c.Fetch.NavTimeoutSeconds) * time.Second
}

// ClientBackoff returns the fixed client backoff.
func (c Config) ClientBackoff() time.Duration {
	return time.Duration(c.Client.BackoffSeconds) * time.Second
}
