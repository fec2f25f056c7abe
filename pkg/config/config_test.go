package config

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hfbeacon/internal/beacon"
	"hfbeacon/internal/scheduler"
)

const testIdentity = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoad_ValidConfig(t *testing.T) {
	cfgPath := writeConfig(t, `
[daemon]
  log_level  = "debug"
  db_path    = "/tmp/peers.db"
  rpc_socket = "/tmp/hfbeacon.sock"

[station]
  identity         = "`+testIdentity+`"
  message          = "W1ABC FN42"
  propagation_node = true

[schedule]
  offsets        = [0, 30]
  hours          = [0, 6, 12, 18]
  duration       = "90s"
  guard          = "5s"
  operating_mode = "hf_only"

[modem]
  control_addr = "10.0.0.2:8002"
  beacon_mode  = "datac4"
  data_mode    = "DATAC3"
  tx_volume    = -6

[adaptive]
  enabled = true
  snr_low = -4.0

[metrics]
  listen = ":9101"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	if cfg.Daemon.LogLevel != "debug" {
		t.Errorf("Daemon.LogLevel: got %s, want debug", cfg.Daemon.LogLevel)
	}
	if cfg.Modem.ControlAddr != "10.0.0.2:8002" {
		t.Errorf("Modem.ControlAddr: got %s, want 10.0.0.2:8002", cfg.Modem.ControlAddr)
	}
	if cfg.Modem.DataAddr != "127.0.0.1:8001" {
		t.Errorf("Modem.DataAddr default: got %s, want 127.0.0.1:8001", cfg.Modem.DataAddr)
	}
	if cfg.Modem.TxVolume == nil || *cfg.Modem.TxVolume != -6 {
		t.Errorf("Modem.TxVolume: got %v, want -6", cfg.Modem.TxVolume)
	}
	if *cfg.Adaptive.LowThreshold != -4.0 || *cfg.Adaptive.HighThreshold != 3.0 {
		t.Errorf("Adaptive thresholds: got %v/%v, want -4/3", *cfg.Adaptive.LowThreshold, *cfg.Adaptive.HighThreshold)
	}

	sc, err := cfg.SchedulerConfig()
	if err != nil {
		t.Fatalf("scheduler config: %v", err)
	}
	if sc.BeaconMode.Name != "DATAC4" || sc.DataMode.Name != "DATAC3" {
		t.Errorf("modes: got %s/%s, want DATAC4/DATAC3", sc.BeaconMode.Name, sc.DataMode.Name)
	}
	if sc.WindowDuration != 90*time.Second || sc.Guard != 5*time.Second {
		t.Errorf("window: got %s/%s, want 90s/5s", sc.WindowDuration, sc.Guard)
	}
	if sc.OperatingMode != scheduler.HFOnly {
		t.Errorf("OperatingMode: got %s, want hf_only", sc.OperatingMode)
	}
	if !sc.TxEnabled || !sc.Adaptive {
		t.Errorf("TxEnabled/Adaptive: got %v/%v, want true/true", sc.TxEnabled, sc.Adaptive)
	}
	if len(sc.Hours) != 4 {
		t.Errorf("Hours: got %v, want 4 entries", sc.Hours)
	}

	wantFlags := beacon.FlagPropagationNode | beacon.FlagAcceptsLinks
	if sc.Flags != wantFlags {
		t.Errorf("Flags: got %#x, want %#x", sc.Flags, wantFlags)
	}
}

func TestLoad_Defaults(t *testing.T) {
	// Minimal config: all defaults should apply
	cfgPath := writeConfig(t, `
[station]
  identity = "`+testIdentity+`"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	if cfg.Daemon.DBPath != "/var/lib/hfbeacon/peers.db" {
		t.Errorf("Daemon.DBPath: got %s", cfg.Daemon.DBPath)
	}
	if cfg.Schedule.OperatingMode != "hybrid" {
		t.Errorf("Schedule.OperatingMode: got %s, want hybrid", cfg.Schedule.OperatingMode)
	}
	if cfg.Peers.Expiry != "2h" || cfg.Peers.MaxClockSkew != "24h" {
		t.Errorf("Peers: got expiry=%s skew=%s", cfg.Peers.Expiry, cfg.Peers.MaxClockSkew)
	}
	if cfg.Metrics.Listen != "" {
		t.Errorf("Metrics.Listen: got %q, want disabled", cfg.Metrics.Listen)
	}

	sc, err := cfg.SchedulerConfig()
	if err != nil {
		t.Fatalf("scheduler config: %v", err)
	}
	if sc.WindowDuration != 120*time.Second || sc.Guard != 10*time.Second {
		t.Errorf("window: got %s/%s, want 120s/10s", sc.WindowDuration, sc.Guard)
	}
	if len(sc.Offsets) != 2 || sc.Offsets[0] != 0 || sc.Offsets[1] != 30 {
		t.Errorf("Offsets: got %v, want [0 30]", sc.Offsets)
	}
	if sc.BeaconMode.Name != "DATAC4" || sc.DataMode.Name != "DATAC1" || sc.RobustMode.Name != "DATAC3" {
		t.Errorf("modes: got %s/%s/%s", sc.BeaconMode.Name, sc.DataMode.Name, sc.RobustMode.Name)
	}
	if sc.Flags != beacon.FlagAcceptsLinks {
		t.Errorf("Flags: got %#x, want accepts_links only", sc.Flags)
	}

	lq := cfg.LinkQualityConfig()
	if lq.Samples != 3 || lq.MaxGap != 5*time.Minute {
		t.Errorf("link quality: got samples=%d gap=%s", lq.Samples, lq.MaxGap)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfgPath := writeConfig(t, `
[station]
  identity = "`+testIdentity+`"
  message  = "FROM FILE"
`)

	t.Setenv("HFBEACON_MESSAGE", "FROM ENV")
	t.Setenv("HFBEACON_CONTROL_ADDR", "192.0.2.1:8002")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Station.Message != "FROM ENV" {
		t.Errorf("Station.Message: got %q, want FROM ENV", cfg.Station.Message)
	}
	if cfg.Modem.ControlAddr != "192.0.2.1:8002" {
		t.Errorf("Modem.ControlAddr: got %s", cfg.Modem.ControlAddr)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte("[station]\n  identity = \"abcd\"\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("HFBEACON_DASHBOARD_URL=http://127.0.0.1/api/dashboard/peers\n"), 0644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("HFBEACON_DASHBOARD_URL") })

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Dashboard.URL != "http://127.0.0.1/api/dashboard/peers" {
		t.Errorf("Dashboard.URL: got %q", cfg.Dashboard.URL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	cfgPath := writeConfig(t, `[station
identity = `)
	if _, err := Load(cfgPath); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"no identity", ``, "station.identity"},
		{"bad duration", `[schedule]
duration = "two minutes"`, "schedule.duration"},
		{"offset range", `[schedule]
offsets = [61]`, "outside 0..59"},
		{"duplicate offset", `[schedule]
offsets = [10, 10]`, "duplicate"},
		{"guard too long", `[schedule]
guard = "3m"`, "guard"},
		{"duration too long", `[schedule]
offsets = [0, 1]`, "shorter than"},
		{"unknown modulation", `[modem]
beacon_mode = "OLIVIA"`, "OLIVIA"},
		{"beacon too large", `[modem]
beacon_mode = "DATAC14"`, "does not fit"},
		{"operating mode", `[schedule]
operating_mode = "satellite"`, "operating_mode"},
		{"tx volume", `[modem]
tx_volume = 3`, "modem.tx_volume"},
		{"thresholds", `[adaptive]
snr_low = 5.0
snr_high = 1.0`, "snr_low"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if tt.name != "no identity" {
				body = "[station]\nidentity = \"" + testIdentity + "\"\n" + body
			}
			cfg, err := Load(writeConfig(t, body))
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	usr, err := user.Current()
	if err != nil {
		t.Skip("no current user")
	}
	home := usr.HomeDir

	tests := []struct {
		in   string
		want string
	}{
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~/peers.db", filepath.Join(home, "peers.db")},
	}
	for _, tt := range tests {
		if got := ExpandPath(tt.in); got != tt.want {
			t.Errorf("ExpandPath(%q): got %s, want %s", tt.in, got, tt.want)
		}
	}
}
