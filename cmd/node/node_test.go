package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hfbeacon/internal/rpc"
	"hfbeacon/internal/scheduler"
	"hfbeacon/internal/store"
	"hfbeacon/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	content := `
[daemon]
  db_path    = "` + filepath.Join(dir, "peers.db") + `"
  rpc_socket = "` + filepath.Join(dir, "hfbeacon.sock") + `"

[station]
  identity = "00112233445566778899aabbccddeeff"
  message  = "W1ABC FN42"

[schedule]
  test = true

[modem]
  control_addr    = "127.0.0.1:1"
  data_addr       = "127.0.0.1:1"
  command_timeout = "200ms"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	return cfg
}

func TestRunStation_ServesRPCAndSavesOnShutdown(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runStation(ctx, cfg, zerolog.Nop()) }()

	var client *rpc.Client
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := rpc.NewClient(cfg.Daemon.RPCSocket)
		if err == nil {
			client = c
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("rpc socket never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	st, err := client.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Scheduler.Test {
		t.Errorf("Scheduler.Test: got false, want true")
	}
	if st.Scheduler.BeaconMode != "DATAC4" {
		t.Errorf("BeaconMode: got %s, want DATAC4", st.Scheduler.BeaconMode)
	}
	if st.Scheduler.State != scheduler.DataMode {
		t.Errorf("State: got %s, want data_mode", st.Scheduler.State)
	}
	client.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runStation returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("station did not shut down")
	}

	if _, err := os.Stat(cfg.Daemon.RPCSocket); !os.IsNotExist(err) {
		t.Errorf("rpc socket left behind: %v", err)
	}

	db, err := store.New(cfg.Daemon.DBPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer db.Close()
	savedAt, err := db.SavedAt()
	if err != nil {
		t.Fatalf("saved_at: %v", err)
	}
	if savedAt.IsZero() {
		t.Error("peer table was not saved on shutdown")
	}
}

type fakeSetup struct {
	pingErr error
	volumes []int
}

func (f *fakeSetup) Ping(context.Context) error { return f.pingErr }

func (f *fakeSetup) SetVolume(_ context.Context, db int) error {
	f.volumes = append(f.volumes, db)
	return nil
}

func TestPrepareModem_AppliesVolume(t *testing.T) {
	vol := -6
	m := &fakeSetup{pingErr: errors.New("connection refused")}
	prepareModem(context.Background(), m, &vol, zerolog.Nop())
	if len(m.volumes) != 1 || m.volumes[0] != -6 {
		t.Errorf("volumes: got %v, want [-6]", m.volumes)
	}

	m = &fakeSetup{}
	prepareModem(context.Background(), m, nil, zerolog.Nop())
	if len(m.volumes) != 0 {
		t.Errorf("volume sent without tx_volume set: %v", m.volumes)
	}
}
