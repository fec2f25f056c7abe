package node

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const defaultConfigTemplate = `[daemon]
  log_level  = "info"
  db_path    = "/var/lib/hfbeacon/peers.db"
  rpc_socket = "/run/hfbeacon/hfbeacon.sock"

[station]
  # Mesh identity hash (hex). Required.
  identity = "CHANGE_ME"
  # Up to 20 bytes, conventionally "CALLSIGN GRID".
  message  = ""
  propagation_node  = false
  accepts_links     = true
  transport_enabled = false

[schedule]
  offsets        = [0, 30]
  hours          = []
  duration       = "120s"
  guard          = "10s"
  tx_enabled     = true
  listen_only    = false
  operating_mode = "hybrid"

[modem]
  control_addr    = "127.0.0.1:8002"
  data_addr       = "127.0.0.1:8001"
  command_timeout = "5s"
  beacon_mode     = "DATAC4"
  data_mode       = "DATAC1"
  robust_mode     = "DATAC3"
  # tx_volume     = -6    # dB, -20..0; unset leaves the modem's level alone

[peers]
  expiry         = "2h"
  sweep_interval = "1m"
  max_clock_skew = "24h"

[adaptive]
  enabled       = false
  snr_low       = -2.0
  snr_high      = 3.0
  poll_interval = "30s"

[mesh]
  enabled        = false
  nats_url       = "nats://127.0.0.1:4222"
  subject_prefix = "hfbeacon.mesh"

[dashboard]
  url = ""

[metrics]
  listen = ""
`

// EditConfig opens the configuration file in the system editor.
// If the file does not exist, it creates it with default values.
func EditConfig(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create file if it doesn't exist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("Creating new config file at %s...\n", path)
		if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}

	// Determine editor
	editor := os.Getenv("EDITOR")
	if editor == "" {
		// Fallback to vi or nano
		for _, e := range []string{"vi", "nano", "vim"} {
			if _, err := exec.LookPath(e); err == nil {
				editor = e
				break
			}
		}
	}

	if editor == "" {
		return fmt.Errorf("no editor found ($EDITOR environment variable not set, and vi/nano/vim not in PATH)")
	}

	// Run editor
	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
