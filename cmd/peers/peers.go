// Package peers implements the operator commands that talk to a running
// station over its RPC socket.
package peers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"hfbeacon/internal/rpc"
	"hfbeacon/internal/scheduler"
	"hfbeacon/pkg/config"
)

const defaultSocket = "/run/hfbeacon/hfbeacon.sock"

// Output formats accepted by --format.
const (
	FormatAuto  = ""
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Status prints the station status.
func Status(configPath, format string) error {
	client, err := dial(configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Status()
	if err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}
	return renderStatus(os.Stdout, st, resolveFormat(format), time.Now())
}

// List prints the peer table.
func List(configPath, format string) error {
	client, err := dial(configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	list, err := client.Peers()
	if err != nil {
		return fmt.Errorf("fetching peers: %w", err)
	}
	return renderPeers(os.Stdout, list, resolveFormat(format), time.Now())
}

// BeaconNow asks the station to transmit a beacon immediately.
func BeaconNow(configPath string) error {
	client, err := dial(configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	switch err := client.BeaconNow(); {
	case errors.Is(err, scheduler.ErrTxDisabled):
		return fmt.Errorf("station is not allowed to transmit (listen-only or tx disabled)")
	case errors.Is(err, scheduler.ErrAlreadyTransmitted):
		fmt.Println("A beacon was already sent in the current window.")
		return nil
	case err != nil:
		return fmt.Errorf("requesting beacon: %w", err)
	}
	fmt.Println("✓ Beacon transmitted")
	return nil
}

// Clear empties the peer table, or evicts one peer when identity is set.
func Clear(configPath, identity string) error {
	client, err := dial(configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	if identity != "" {
		removed, err := client.EvictPeer(identity)
		if err != nil {
			return fmt.Errorf("evicting peer: %w", err)
		}
		if !removed {
			fmt.Printf("Peer %s not in table.\n", identity)
			return nil
		}
		fmt.Printf("✓ Evicted %s\n", identity)
		return nil
	}

	n, err := client.ClearPeers()
	if err != nil {
		return fmt.Errorf("clearing peers: %w", err)
	}
	fmt.Printf("✓ Cleared %d peer(s)\n", n)
	return nil
}

func dial(configPath string) (*rpc.Client, error) {
	socket := defaultSocket
	cfg, err := config.Load(configPath)
	switch {
	case err == nil:
		socket = cfg.Daemon.RPCSocket
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("loading config: %w", err)
	}

	client, err := rpc.NewClient(socket)
	if err != nil {
		return nil, fmt.Errorf("connecting to station: %w\nIs 'hfbeacon node' running?", err)
	}
	return client, nil
}

// resolveFormat picks a table for terminals and JSON for pipes.
func resolveFormat(format string) string {
	if format != FormatAuto {
		return format
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return FormatTable
	}
	return FormatJSON
}

func encode(w io.Writer, v any, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

func renderPeers(w io.Writer, list []rpc.Peer, format string, now time.Time) error {
	if format != FormatTable {
		return encode(w, list, format)
	}

	if len(list) == 0 {
		fmt.Fprintln(w, "No peers heard yet.")
		return nil
	}

	fmt.Fprintf(w, "\n  Heard Stations (%d)\n\n", len(list))
	fmt.Fprintf(w, "  %-4s %-18s %-12s %-8s %-7s %-6s %-10s %-5s\n",
		"#", "Identity", "Callsign", "Grid", "RX dB", "Count", "Last Heard", "Path")
	fmt.Fprintf(w, "  %s %s %s %s %s %s %s %s\n",
		strings.Repeat("─", 4),
		strings.Repeat("─", 18),
		strings.Repeat("─", 12),
		strings.Repeat("─", 8),
		strings.Repeat("─", 7),
		strings.Repeat("─", 6),
		strings.Repeat("─", 10),
		strings.Repeat("─", 5))

	for i, p := range list {
		fields := strings.Fields(p.Message)
		callsign, grid := "", ""
		if len(fields) > 0 {
			callsign = truncate(fields[0], 12)
		}
		if len(fields) > 1 {
			grid = truncate(fields[1], 8)
		}

		level := "-"
		if p.LastSignalLevel != nil {
			level = fmt.Sprintf("%.1f", *p.LastSignalLevel)
		}

		path := "✗"
		if p.PathKnown {
			path = "✓"
		}

		fmt.Fprintf(w, "  %-4d %-18s %-12s %-8s %-7s %-6d %-10s %-5s\n",
			i+1,
			p.Identity.Short(),
			callsign,
			grid,
			level,
			p.RxCount,
			ago(now.Sub(p.LastSeen)),
			path,
		)
	}
	return nil
}

func renderStatus(w io.Writer, st rpc.StatusReply, format string, now time.Time) error {
	if format != FormatTable {
		return encode(w, st, format)
	}

	s := st.Scheduler
	fmt.Fprintf(w, "\n  Station\n\n")
	fmt.Fprintf(w, "  %-16s %s\n", "State", s.State)
	fmt.Fprintf(w, "  %-16s %s\n", "Operating mode", s.OperatingMode)
	fmt.Fprintf(w, "  %-16s %s (beacon %s, data %s)\n", "Modem mode", orDash(s.ActiveMode), s.BeaconMode, s.DataMode)
	if !s.Window.IsZero() {
		fmt.Fprintf(w, "  %-16s %s - %s UTC\n", "Window", s.Window.Start.UTC().Format("15:04:05"), s.Window.End.UTC().Format("15:04:05"))
	}
	if !s.NextWindow.IsZero() {
		fmt.Fprintf(w, "  %-16s %s UTC (in %s)\n", "Next window", s.NextWindow.Start.UTC().Format("15:04"), s.NextWindow.Start.Sub(now).Round(time.Second))
	}
	fmt.Fprintf(w, "  %-16s %d sent, %d skipped\n", "Beacons", s.BeaconsSent, s.BeaconsSkipped)
	if !s.LastTx.IsZero() {
		fmt.Fprintf(w, "  %-16s %s\n", "Last beacon", ago(now.Sub(s.LastTx)))
	}
	if s.RestorePending {
		fmt.Fprintf(w, "  %-16s %s\n", "Warning", "modem has not confirmed the data mode")
	}

	var flags []string
	if s.Test {
		flags = append(flags, "test")
	}
	if s.ListenOnly {
		flags = append(flags, "listen-only")
	}
	if !s.TxEnabled {
		flags = append(flags, "tx-disabled")
	}
	if s.Adaptive {
		flags = append(flags, "adaptive")
	}
	if len(flags) > 0 {
		fmt.Fprintf(w, "  %-16s %s\n", "Flags", strings.Join(flags, ", "))
	}

	fmt.Fprintf(w, "\n  Link\n\n")
	fmt.Fprintf(w, "  %-16s %s\n", "Class", st.Link.Class)
	if st.Link.Samples > 0 {
		fmt.Fprintf(w, "  %-16s %.1f dB (%s)\n", "Last SNR", st.Link.LastSNR, ago(now.Sub(st.Link.LastSample)))
	}

	fmt.Fprintf(w, "\n  Peers\n\n")
	fmt.Fprintf(w, "  %-16s %d (expire after %s)\n", "Heard", st.PeerCount, st.PeerExpiry)
	if !st.LastSaved.IsZero() {
		fmt.Fprintf(w, "  %-16s %s\n", "Last saved", ago(now.Sub(st.LastSaved)))
	}
	fmt.Fprintf(w, "  %-16s %d routable, %d pending\n", "Mesh", st.Mesh.Routable, st.Mesh.Pending)

	h := st.Host
	fmt.Fprintf(w, "\n  Host\n\n")
	fmt.Fprintf(w, "  %-16s %s (%s, %s)\n", "Hostname", h.Hostname, h.Platform, h.Arch)
	fmt.Fprintf(w, "  %-16s %s\n", "Uptime", h.Uptime.Round(time.Minute))
	fmt.Fprintf(w, "  %-16s %.2f %.2f %.2f\n", "Load", h.Load1, h.Load5, h.Load15)
	fmt.Fprintf(w, "  %-16s %.1f%%\n", "Memory used", h.MemoryUsedPct)
	fmt.Fprintf(w, "  %-16s %s\n", "Daemon up", ago(now.Sub(st.Started)))
	fmt.Fprintln(w)
	return nil
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm ago", int(d.Hours()), int(d.Minutes())%60)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}
