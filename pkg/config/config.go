// Package config provides TOML configuration loading for hfbeacon.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"hfbeacon/internal/beacon"
	"hfbeacon/internal/linkquality"
	"hfbeacon/internal/modem"
	"hfbeacon/internal/scheduler"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HFBEACON_"

// Config is the top-level configuration structure.
type Config struct {
	Daemon    DaemonConfig    `toml:"daemon"`
	Station   StationConfig   `toml:"station"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Modem     ModemConfig     `toml:"modem"`
	Peers     PeersConfig     `toml:"peers"`
	Adaptive  AdaptiveConfig  `toml:"adaptive"`
	Mesh      MeshConfig      `toml:"mesh"`
	Dashboard DashboardConfig `toml:"dashboard"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	LogLevel  string `toml:"log_level"`
	DBPath    string `toml:"db_path"`
	RPCSocket string `toml:"rpc_socket"`
	// EnvFile is loaded before environment overrides are applied.
	// Defaults to .env next to the config file.
	EnvFile string `toml:"env_file"`
}

// StationConfig describes what this station announces.
type StationConfig struct {
	Identity         string `toml:"identity"`
	Message          string `toml:"message"`
	PropagationNode  bool   `toml:"propagation_node"`
	AcceptsLinks     *bool  `toml:"accepts_links"`
	TransportEnabled bool   `toml:"transport_enabled"`
}

// ScheduleConfig controls beacon windows.
type ScheduleConfig struct {
	Offsets       []int  `toml:"offsets"`
	Hours         []int  `toml:"hours"`
	Duration      string `toml:"duration"`
	Guard         string `toml:"guard"`
	Tick          string `toml:"tick"`
	TxEnabled     *bool  `toml:"tx_enabled"`
	ListenOnly    bool   `toml:"listen_only"`
	Test          bool   `toml:"test"`
	OperatingMode string `toml:"operating_mode"`
}

// ModemConfig locates the modem and names its modulations.
type ModemConfig struct {
	ControlAddr    string `toml:"control_addr"`
	DataAddr       string `toml:"data_addr"`
	CommandTimeout string `toml:"command_timeout"`
	ReconnectMin   string `toml:"reconnect_min"`
	ReconnectMax   string `toml:"reconnect_max"`
	BeaconMode     string `toml:"beacon_mode"`
	DataMode       string `toml:"data_mode"`
	RobustMode     string `toml:"robust_mode"`

	// TxVolume is applied with VOLUME at startup; unset leaves the modem as is.
	TxVolume *int `toml:"tx_volume"`
}

// PeersConfig controls the peer table.
type PeersConfig struct {
	Expiry        string `toml:"expiry"`
	SweepInterval string `toml:"sweep_interval"`
	MaxClockSkew  string `toml:"max_clock_skew"`
}

// AdaptiveConfig controls SNR-driven data modulation selection.
type AdaptiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	LowThreshold  *float64 `toml:"snr_low"`
	HighThreshold *float64 `toml:"snr_high"`
	NoiseFloor    *float64 `toml:"noise_floor"`
	Samples       int      `toml:"samples"`
	MaxGap        string   `toml:"max_gap"`
	PollInterval  string   `toml:"poll_interval"`
}

// MeshConfig connects the bridge to the mesh sidecar over NATS.
type MeshConfig struct {
	Enabled             bool   `toml:"enabled"`
	NATSURL             string `toml:"nats_url"`
	SubjectPrefix       string `toml:"subject_prefix"`
	Aspect              string `toml:"aspect"`
	Timeout             string `toml:"timeout"`
	PathRequestInterval string `toml:"path_request_interval"`
	CheckInterval       string `toml:"check_interval"`
}

// DashboardConfig enables posting heard peers to the web dashboard.
type DashboardConfig struct {
	URL     string `toml:"url"`
	Timeout string `toml:"timeout"`
}

// MetricsConfig enables the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// Load reads and parses a TOML config file, applying defaults for unset
// values and HFBEACON_* environment overrides. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	envFile := cfg.Daemon.EnvFile
	if envFile == "" {
		envFile = filepath.Join(filepath.Dir(path), ".env")
	}
	envFile = ExpandPath(envFile)
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	cfg.expandPaths()
	return cfg, nil
}

func (cfg *Config) expandPaths() {
	cfg.Daemon.DBPath = ExpandPath(cfg.Daemon.DBPath)
	cfg.Daemon.RPCSocket = ExpandPath(cfg.Daemon.RPCSocket)
}

// ExpandPath expands tilde (~) to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return usr.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}

// applyEnv overrides the settings an operator most often changes per host.
func applyEnv(cfg *Config) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"LOG_LEVEL", &cfg.Daemon.LogLevel},
		{"DB_PATH", &cfg.Daemon.DBPath},
		{"RPC_SOCKET", &cfg.Daemon.RPCSocket},
		{"IDENTITY", &cfg.Station.Identity},
		{"MESSAGE", &cfg.Station.Message},
		{"OPERATING_MODE", &cfg.Schedule.OperatingMode},
		{"CONTROL_ADDR", &cfg.Modem.ControlAddr},
		{"DATA_ADDR", &cfg.Modem.DataAddr},
		{"NATS_URL", &cfg.Mesh.NATSURL},
		{"DASHBOARD_URL", &cfg.Dashboard.URL},
		{"METRICS_LISTEN", &cfg.Metrics.Listen},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(EnvPrefix + o.key); ok {
			*o.dst = v
		}
	}
}

func applyDefaults(cfg *Config) {
	// Daemon defaults
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = "info"
	}
	if cfg.Daemon.DBPath == "" {
		cfg.Daemon.DBPath = "/var/lib/hfbeacon/peers.db"
	}
	if cfg.Daemon.RPCSocket == "" {
		cfg.Daemon.RPCSocket = "/run/hfbeacon/hfbeacon.sock"
	}

	// Station defaults
	if cfg.Station.AcceptsLinks == nil {
		cfg.Station.AcceptsLinks = boolPtr(true)
	}

	// Schedule defaults
	if len(cfg.Schedule.Offsets) == 0 {
		cfg.Schedule.Offsets = []int{0, 30}
	}
	if cfg.Schedule.Duration == "" {
		cfg.Schedule.Duration = "120s"
	}
	if cfg.Schedule.Guard == "" {
		cfg.Schedule.Guard = "10s"
	}
	if cfg.Schedule.Tick == "" {
		cfg.Schedule.Tick = "1s"
	}
	if cfg.Schedule.TxEnabled == nil {
		cfg.Schedule.TxEnabled = boolPtr(true)
	}
	if cfg.Schedule.OperatingMode == "" {
		cfg.Schedule.OperatingMode = string(scheduler.Hybrid)
	}

	// Modem defaults
	if cfg.Modem.ControlAddr == "" {
		cfg.Modem.ControlAddr = "127.0.0.1:8002"
	}
	if cfg.Modem.DataAddr == "" {
		cfg.Modem.DataAddr = "127.0.0.1:8001"
	}
	if cfg.Modem.CommandTimeout == "" {
		cfg.Modem.CommandTimeout = "5s"
	}
	if cfg.Modem.ReconnectMin == "" {
		cfg.Modem.ReconnectMin = "1s"
	}
	if cfg.Modem.ReconnectMax == "" {
		cfg.Modem.ReconnectMax = "30s"
	}
	if cfg.Modem.BeaconMode == "" {
		cfg.Modem.BeaconMode = "DATAC4"
	}
	if cfg.Modem.DataMode == "" {
		cfg.Modem.DataMode = "DATAC1"
	}
	if cfg.Modem.RobustMode == "" {
		cfg.Modem.RobustMode = "DATAC3"
	}

	// Peers defaults
	if cfg.Peers.Expiry == "" {
		cfg.Peers.Expiry = "2h"
	}
	if cfg.Peers.SweepInterval == "" {
		cfg.Peers.SweepInterval = "1m"
	}
	if cfg.Peers.MaxClockSkew == "" {
		cfg.Peers.MaxClockSkew = "24h"
	}

	// Adaptive defaults
	if cfg.Adaptive.LowThreshold == nil {
		cfg.Adaptive.LowThreshold = floatPtr(linkquality.DefaultLowThreshold)
	}
	if cfg.Adaptive.HighThreshold == nil {
		cfg.Adaptive.HighThreshold = floatPtr(linkquality.DefaultHighThreshold)
	}
	if cfg.Adaptive.NoiseFloor == nil {
		cfg.Adaptive.NoiseFloor = floatPtr(linkquality.DefaultNoiseFloor)
	}
	if cfg.Adaptive.Samples == 0 {
		cfg.Adaptive.Samples = linkquality.DefaultSamples
	}
	if cfg.Adaptive.MaxGap == "" {
		cfg.Adaptive.MaxGap = "5m"
	}
	if cfg.Adaptive.PollInterval == "" {
		cfg.Adaptive.PollInterval = "30s"
	}

	// Mesh defaults
	if cfg.Mesh.NATSURL == "" {
		cfg.Mesh.NATSURL = "nats://127.0.0.1:4222"
	}
	if cfg.Mesh.SubjectPrefix == "" {
		cfg.Mesh.SubjectPrefix = "hfbeacon.mesh"
	}
	if cfg.Mesh.Timeout == "" {
		cfg.Mesh.Timeout = "2s"
	}
	if cfg.Mesh.PathRequestInterval == "" {
		cfg.Mesh.PathRequestInterval = "5m"
	}
	if cfg.Mesh.CheckInterval == "" {
		cfg.Mesh.CheckInterval = "1m"
	}

	// Dashboard defaults
	if cfg.Dashboard.Timeout == "" {
		cfg.Dashboard.Timeout = "5s"
	}
}

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

// Validate checks every setting the daemon depends on.
func (cfg *Config) Validate() error {
	var errs []error

	durations := []struct {
		name string
		val  string
	}{
		{"schedule.duration", cfg.Schedule.Duration},
		{"schedule.guard", cfg.Schedule.Guard},
		{"schedule.tick", cfg.Schedule.Tick},
		{"modem.command_timeout", cfg.Modem.CommandTimeout},
		{"modem.reconnect_min", cfg.Modem.ReconnectMin},
		{"modem.reconnect_max", cfg.Modem.ReconnectMax},
		{"peers.expiry", cfg.Peers.Expiry},
		{"peers.sweep_interval", cfg.Peers.SweepInterval},
		{"peers.max_clock_skew", cfg.Peers.MaxClockSkew},
		{"adaptive.max_gap", cfg.Adaptive.MaxGap},
		{"adaptive.poll_interval", cfg.Adaptive.PollInterval},
		{"mesh.timeout", cfg.Mesh.Timeout},
		{"mesh.path_request_interval", cfg.Mesh.PathRequestInterval},
		{"mesh.check_interval", cfg.Mesh.CheckInterval},
		{"dashboard.timeout", cfg.Dashboard.Timeout},
	}
	for _, d := range durations {
		if _, err := parseDuration(d.val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if *cfg.Adaptive.LowThreshold >= *cfg.Adaptive.HighThreshold {
		errs = append(errs, fmt.Errorf("adaptive.snr_low %.1f must be below adaptive.snr_high %.1f",
			*cfg.Adaptive.LowThreshold, *cfg.Adaptive.HighThreshold))
	}
	if cfg.Adaptive.Samples < 1 {
		errs = append(errs, fmt.Errorf("adaptive.samples must be at least 1"))
	}
	if v := cfg.Modem.TxVolume; v != nil && (*v < modem.MinVolume || *v > modem.MaxVolume) {
		errs = append(errs, fmt.Errorf("modem.tx_volume %d dB outside %d..%d", *v, modem.MinVolume, modem.MaxVolume))
	}

	if _, err := cfg.SchedulerConfig(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SchedulerConfig builds and validates the scheduler configuration.
func (cfg *Config) SchedulerConfig() (scheduler.Config, error) {
	id, err := beacon.ParseIdentity(cfg.Station.Identity)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("station.identity: %w", err)
	}

	var modes [3]modem.Modulation
	for i, name := range []string{cfg.Modem.BeaconMode, cfg.Modem.DataMode, cfg.Modem.RobustMode} {
		if modes[i], err = modem.LookupModulation(name); err != nil {
			return scheduler.Config{}, err
		}
	}

	opMode, err := scheduler.ParseOperatingMode(cfg.Schedule.OperatingMode)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("schedule.operating_mode: %w", err)
	}

	sc := scheduler.Config{
		Identity:       id,
		Flags:          cfg.Flags(),
		Message:        cfg.Station.Message,
		BeaconMode:     modes[0],
		DataMode:       modes[1],
		RobustMode:     modes[2],
		Offsets:        cfg.Schedule.Offsets,
		Hours:          cfg.Schedule.Hours,
		WindowDuration: mustDuration(cfg.Schedule.Duration),
		Guard:          mustDuration(cfg.Schedule.Guard),
		Tick:           mustDuration(cfg.Schedule.Tick),
		TxEnabled:      *cfg.Schedule.TxEnabled,
		ListenOnly:     cfg.Schedule.ListenOnly,
		Test:           cfg.Schedule.Test,
		OperatingMode:  opMode,
		Adaptive:       cfg.Adaptive.Enabled,
		PollInterval:   mustDuration(cfg.Adaptive.PollInterval),
		NoiseFloor:     *cfg.Adaptive.NoiseFloor,
	}
	if err := sc.Validate(); err != nil {
		return scheduler.Config{}, fmt.Errorf("schedule: %w", err)
	}
	return sc, nil
}

// Flags returns the capability flags announced in our beacon. FlagHasMessage
// is set by the codec.
func (cfg *Config) Flags() beacon.Flags {
	var f beacon.Flags
	if cfg.Station.PropagationNode {
		f |= beacon.FlagPropagationNode
	}
	if cfg.Station.AcceptsLinks != nil && *cfg.Station.AcceptsLinks {
		f |= beacon.FlagAcceptsLinks
	}
	if cfg.Station.TransportEnabled {
		f |= beacon.FlagTransportEnabled
	}
	return f
}

// LinkQualityConfig builds the estimator configuration.
func (cfg *Config) LinkQualityConfig() linkquality.Config {
	lq := linkquality.DefaultConfig()
	lq.LowThreshold = *cfg.Adaptive.LowThreshold
	lq.HighThreshold = *cfg.Adaptive.HighThreshold
	lq.Samples = cfg.Adaptive.Samples
	lq.MaxGap = mustDuration(cfg.Adaptive.MaxGap)
	return lq
}

// Duration parses a duration setting that Validate has already checked.
func Duration(s string) time.Duration {
	return mustDuration(s)
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}
