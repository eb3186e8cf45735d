package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 3, cfg.Fetcher.MaxRetries)
	assert.Equal(t, []float64{1.0, 1.5, 2.0, 2.5, 3.0}, cfg.Sources.MESH.ThresholdsIn)
	assert.Equal(t, 24, cfg.Sources.MESH.WindowHours)
	assert.Equal(t, 2, cfg.Sources.SPC.Days)
	assert.Equal(t, []string{"hail", "wind", "torn"}, cfg.Sources.SPC.Kinds)
	assert.InDelta(t, 5500, cfg.Drift.DetectionAltM, 0.001)
	assert.False(t, cfg.Drift.LiveProfile.Enabled)
	assert.Equal(t, 15, cfg.Drift.LiveProfile.TimeoutSecs)
	assert.Equal(t, 500, cfg.Parcels.PageDelayMs)
	assert.True(t, cfg.Parcels.Cluster.Enabled)
	assert.Equal(t, 3, cfg.Parcels.Cluster.MinEvents)
	assert.InDelta(t, 0.5, cfg.Parcels.Cluster.CellDeg, 0.001)
	assert.Equal(t, 30, cfg.Scheduler.MESHIntervalMins)
	assert.Equal(t, 5, cfg.Scheduler.NWSIntervalMins)
	assert.Equal(t, 60, cfg.Scheduler.SPCIntervalMins)
	assert.True(t, cfg.Scheduler.RunOnStart)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  sqlite_path: /var/lib/hailtrace/hail.db
log:
  level: debug
  format: console
server:
  port: 9090
sources:
  mesh:
    thresholds_in: [0.75, 1.0]
drift:
  live_profile:
    enabled: true
parcels:
  regions_file: /etc/hailtrace/regions.yaml
  cluster:
    min_events: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/hailtrace/hail.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []float64{0.75, 1.0}, cfg.Sources.MESH.ThresholdsIn)
	assert.True(t, cfg.Drift.LiveProfile.Enabled)
	assert.Equal(t, "/etc/hailtrace/regions.yaml", cfg.Parcels.RegionsFile)
	assert.Equal(t, 5, cfg.Parcels.Cluster.MinEvents)
	// Defaults still apply for unset values
	assert.InDelta(t, 1.0, cfg.Parcels.Cluster.MinHailIn, 0.001)
	assert.Equal(t, 5, cfg.Scheduler.NWSIntervalMins)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("HAILTRACE_STORE_DRIVER", "postgres")
	t.Setenv("HAILTRACE_LOG_LEVEL", "warn")
	t.Setenv("HAILTRACE_SCHEDULER_NWS_INTERVAL_MINS", "2")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Scheduler.NWSIntervalMins)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unterminated"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with the defaults validation depends on.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/hailtrace"
	cfg.Server.Port = 8080
	cfg.Drift.DetectionAltM = 5500
	cfg.Parcels.RegionsFile = "regions.yaml"
	cfg.Parcels.Cluster.Enabled = true
	cfg.Parcels.Cluster.CellDeg = 0.5
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"run", "ingest", "drift", "parcels", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "hail.db"
	assert.NoError(t, cfg.Validate("ingest"))

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql"`)
}

func TestValidate_RunCollectsAll(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	cfg.Drift.DetectionAltM = 0
	cfg.Scheduler.SPCIntervalMins = -1

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "drift.detection_alt_m must be > 0")
	assert.Contains(t, err.Error(), "scheduler intervals must not be negative")

	// Port is only checked for run.
	assert.NoError(t, validDefaultsWithPort(0).Validate("ingest"))
}

func validDefaultsWithPort(port int) *Config {
	cfg := validDefaults()
	cfg.Server.Port = port
	return cfg
}

func TestValidate_Parcels(t *testing.T) {
	cfg := validDefaults()
	cfg.Parcels.RegionsFile = ""
	err := cfg.Validate("parcels")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parcels.regions_file is required")

	cfg = validDefaults()
	cfg.Parcels.Cluster.CellDeg = 0
	assert.Error(t, cfg.Validate("run"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestDurations(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Minutes(5))
	assert.Equal(t, 15*time.Second, Seconds(15))
}
