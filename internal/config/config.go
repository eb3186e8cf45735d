package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/hailtrace/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Fetcher   FetcherConfig   `yaml:"fetcher" mapstructure:"fetcher"`
	Sources   SourcesConfig   `yaml:"sources" mapstructure:"sources"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Drift     DriftConfig     `yaml:"drift" mapstructure:"drift"`
	Parcels   ParcelsConfig   `yaml:"parcels" mapstructure:"parcels"`
	Alerting  AlertingConfig  `yaml:"alerting" mapstructure:"alerting"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string            `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// FetcherConfig configures upstream HTTP and FTP access.
type FetcherConfig struct {
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int    `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBaseMs  int    `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	FTPUser        string `yaml:"ftp_user" mapstructure:"ftp_user"`
	FTPPassword    string `yaml:"ftp_password" mapstructure:"ftp_password"`
	FTPTimeoutSecs int    `yaml:"ftp_timeout_secs" mapstructure:"ftp_timeout_secs"`
}

// SourcesConfig configures the three adapters.
type SourcesConfig struct {
	MESH MESHConfig `yaml:"mesh" mapstructure:"mesh"`
	NWS  NWSConfig  `yaml:"nws" mapstructure:"nws"`
	SPC  SPCConfig  `yaml:"spc" mapstructure:"spc"`
}

// MESHConfig configures the grid adapter.
type MESHConfig struct {
	URL          string    `yaml:"url" mapstructure:"url"`
	ThresholdsIn []float64 `yaml:"thresholds_in" mapstructure:"thresholds_in"`
	WindowHours  int       `yaml:"window_hours" mapstructure:"window_hours"`
	Tolerance    float64   `yaml:"tolerance" mapstructure:"tolerance"`
}

// NWSConfig configures the alert adapter.
type NWSConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// SPCConfig configures the storm report adapter.
type SPCConfig struct {
	BaseURL string   `yaml:"base_url" mapstructure:"base_url"`
	Days    int      `yaml:"days" mapstructure:"days"`
	Kinds   []string `yaml:"kinds" mapstructure:"kinds"`
}

// IngestConfig configures adapter runs.
type IngestConfig struct {
	RunTimeoutMins int `yaml:"run_timeout_mins" mapstructure:"run_timeout_mins"`
	Concurrency    int `yaml:"concurrency" mapstructure:"concurrency"`
}

// DriftConfig configures drift correction.
type DriftConfig struct {
	DetectionAltM float64           `yaml:"detection_alt_m" mapstructure:"detection_alt_m"`
	LiveProfile   LiveProfileConfig `yaml:"live_profile" mapstructure:"live_profile"`
}

// LiveProfileConfig configures the live wind profile client.
type LiveProfileConfig struct {
	Enabled          bool   `yaml:"enabled" mapstructure:"enabled"`
	URL              string `yaml:"url" mapstructure:"url"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts      int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	FailureThreshold int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int    `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ParcelsConfig configures parcel imports.
type ParcelsConfig struct {
	RegionsFile string        `yaml:"regions_file" mapstructure:"regions_file"`
	PageDelayMs int           `yaml:"page_delay_ms" mapstructure:"page_delay_ms"`
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
	Cluster     ClusterConfig `yaml:"cluster" mapstructure:"cluster"`
}

// ClusterConfig configures storm-cluster triggered parcel imports.
type ClusterConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	LookbackHours int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	MinHailIn     float64 `yaml:"min_hail_in" mapstructure:"min_hail_in"`
	CellDeg       float64 `yaml:"cell_deg" mapstructure:"cell_deg"`
	MinEvents     int     `yaml:"min_events" mapstructure:"min_events"`
	BufferKm      float64 `yaml:"buffer_km" mapstructure:"buffer_km"`
}

// AlertingConfig configures the alert checker.
type AlertingConfig struct {
	AreasFile  string `yaml:"areas_file" mapstructure:"areas_file"`
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// SchedulerConfig configures the trigger intervals.
type SchedulerConfig struct {
	MESHIntervalMins  int  `yaml:"mesh_interval_mins" mapstructure:"mesh_interval_mins"`
	NWSIntervalMins   int  `yaml:"nws_interval_mins" mapstructure:"nws_interval_mins"`
	SPCIntervalMins   int  `yaml:"spc_interval_mins" mapstructure:"spc_interval_mins"`
	RunOnStart        bool `yaml:"run_on_start" mapstructure:"run_on_start"`
	StatusCacheSize   int  `yaml:"status_cache_size" mapstructure:"status_cache_size"`
	StatusTTLMins     int  `yaml:"status_ttl_mins" mapstructure:"status_ttl_mins"`
	ShutdownGraceSecs int  `yaml:"shutdown_grace_secs" mapstructure:"shutdown_grace_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HAILTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "hailtrace.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 600)
	v.SetDefault("fetcher.user_agent", "hailtrace/1.0 (ops@hailtrace.io)")
	v.SetDefault("fetcher.timeout_secs", 30)
	v.SetDefault("fetcher.max_retries", 3)
	v.SetDefault("fetcher.backoff_base_ms", 1000)
	v.SetDefault("fetcher.ftp_timeout_secs", 30)
	v.SetDefault("sources.mesh.url", "https://mrms.ncep.noaa.gov/data/2D/MESH_Max_1440min/")
	v.SetDefault("sources.mesh.thresholds_in", []float64{1.0, 1.5, 2.0, 2.5, 3.0})
	v.SetDefault("sources.mesh.window_hours", 24)
	v.SetDefault("sources.mesh.tolerance", 0.005)
	v.SetDefault("sources.nws.url", "https://api.weather.gov/alerts/active?event=Severe%20Thunderstorm%20Warning,Tornado%20Warning")
	v.SetDefault("sources.spc.base_url", "https://www.spc.noaa.gov/climo/reports/")
	v.SetDefault("sources.spc.days", 2)
	v.SetDefault("sources.spc.kinds", []string{"hail", "wind", "torn"})
	v.SetDefault("ingest.run_timeout_mins", 10)
	v.SetDefault("ingest.concurrency", 3)
	v.SetDefault("drift.detection_alt_m", 5500.0)
	v.SetDefault("drift.live_profile.enabled", false)
	v.SetDefault("drift.live_profile.url", "https://api.open-meteo.com/v1/gfs")
	v.SetDefault("drift.live_profile.timeout_secs", 15)
	v.SetDefault("drift.live_profile.max_attempts", 2)
	v.SetDefault("drift.live_profile.failure_threshold", 5)
	v.SetDefault("drift.live_profile.reset_timeout_secs", 60)
	v.SetDefault("parcels.regions_file", "regions.yaml")
	v.SetDefault("parcels.page_delay_ms", 500)
	v.SetDefault("parcels.concurrency", 2)
	v.SetDefault("parcels.cluster.enabled", true)
	v.SetDefault("parcels.cluster.lookback_hours", 6)
	v.SetDefault("parcels.cluster.min_hail_in", 1.0)
	v.SetDefault("parcels.cluster.cell_deg", 0.5)
	v.SetDefault("parcels.cluster.min_events", 3)
	v.SetDefault("parcels.cluster.buffer_km", 5.0)
	v.SetDefault("scheduler.mesh_interval_mins", 30)
	v.SetDefault("scheduler.nws_interval_mins", 5)
	v.SetDefault("scheduler.spc_interval_mins", 60)
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.status_cache_size", 256)
	v.SetDefault("scheduler.status_ttl_mins", 1440)
	v.SetDefault("scheduler.shutdown_grace_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the values a command mode needs: run, ingest, drift,
// parcels or migrate. All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "ingest", "drift", "parcels", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of postgres, sqlite", c.Store.Driver))
	}

	if mode == "run" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Scheduler.MESHIntervalMins < 0 || c.Scheduler.NWSIntervalMins < 0 || c.Scheduler.SPCIntervalMins < 0 {
			errs = append(errs, "scheduler intervals must not be negative")
		}
	}
	if mode == "run" || mode == "drift" {
		if c.Drift.DetectionAltM <= 0 {
			errs = append(errs, "drift.detection_alt_m must be > 0")
		}
	}
	if mode == "parcels" && c.Parcels.RegionsFile == "" {
		errs = append(errs, "parcels.regions_file is required")
	}
	if c.Parcels.Cluster.Enabled && c.Parcels.Cluster.CellDeg <= 0 {
		errs = append(errs, "parcels.cluster.cell_deg must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Minutes converts a minute count to a duration.
func Minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// Seconds converts a second count to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
