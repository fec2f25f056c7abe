package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"hfbeacon/internal/dashboard"
	"hfbeacon/internal/linkquality"
	"hfbeacon/internal/listener"
	"hfbeacon/internal/mesh"
	"hfbeacon/internal/metrics"
	"hfbeacon/internal/modem"
	"hfbeacon/internal/peers"
	"hfbeacon/internal/rpc"
	"hfbeacon/internal/scheduler"
	"hfbeacon/internal/store"
	"hfbeacon/pkg/config"
	"hfbeacon/pkg/logger"
)

// Options are command-line overrides applied on top of the config file.
type Options struct {
	Test       bool
	ListenOnly bool
	Verbose    bool
}

// Run starts the station daemon and blocks until SIGINT or SIGTERM.
func Run(configPath string, opts Options) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.Test {
		cfg.Schedule.Test = true
	}
	if opts.ListenOnly {
		cfg.Schedule.ListenOnly = true
	}
	if opts.Verbose {
		cfg.Daemon.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	log := logger.Init(cfg.Daemon.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runStation(ctx, cfg, log)
}

func runStation(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	sc, err := cfg.SchedulerConfig()
	if err != nil {
		return err
	}

	// Ensure database and socket directories exist
	for _, dir := range []string{filepath.Dir(cfg.Daemon.DBPath), filepath.Dir(cfg.Daemon.RPCSocket)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	db, err := store.New(cfg.Daemon.DBPath, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	table := peers.NewTable(config.Duration(cfg.Peers.Expiry), log)
	if records, err := db.Load(); err != nil {
		log.Warn().Err(err).Msg("Failed to load saved peers")
	} else if n := table.Restore(records, time.Now()); n > 0 {
		log.Info().Int("peers", n).Msg("Restored peer table")
	}

	m := metrics.New()
	m.RegisterGaugeFunc("peers", "Stations currently in the peer table.", func() float64 {
		return float64(table.Len())
	})

	client := modem.Dial(cfg.Modem.ControlAddr, config.Duration(cfg.Modem.CommandTimeout), modem.DataConfig{
		Addr:       cfg.Modem.DataAddr,
		MinBackoff: config.Duration(cfg.Modem.ReconnectMin),
		MaxBackoff: config.Duration(cfg.Modem.ReconnectMax),
	}, log)
	prepareModem(ctx, client, cfg.Modem.TxVolume, log.With().Str("addr", cfg.Modem.ControlAddr).Logger())

	est := linkquality.NewEstimator(cfg.LinkQualityConfig())
	sched := scheduler.New(sc, client, est, m, log)

	resolver, closeResolver := meshResolver(cfg, log)
	defer closeResolver()

	bridge := mesh.NewBridge(resolver, config.Duration(cfg.Mesh.PathRequestInterval), log)
	bridge.SetFilter(mesh.AspectFilter{Aspect: cfg.Mesh.Aspect})
	bridge.SetCheckInterval(config.Duration(cfg.Mesh.CheckInterval))
	m.RegisterGaugeFunc("mesh_routable_peers", "Beacon peers with a known mesh path.", func() float64 {
		return float64(bridge.Stats().Routable)
	})
	m.RegisterGaugeFunc("mesh_pending_peers", "Beacon peers awaiting a mesh path.", func() float64 {
		return float64(bridge.Stats().Pending)
	})

	for _, rec := range table.Snapshot() {
		bridge.OnNewPeer(rec)
	}

	lst := listener.New(listener.Config{
		Self:         sc.Identity,
		MaxClockSkew: config.Duration(cfg.Peers.MaxClockSkew),
		NoiseFloor:   sc.NoiseFloor,
	}, client, client, table, est, m, log)
	lst.AddObserver(bridge)

	var poster *dashboard.Poster
	if cfg.Dashboard.URL != "" {
		poster = dashboard.NewPoster(cfg.Dashboard.URL, config.Duration(cfg.Dashboard.Timeout), log)
		lst.AddObserver(poster)
	}

	rpcServer, err := rpc.NewServer(cfg.Daemon.RPCSocket, rpc.Deps{
		Scheduler: sched,
		Peers:     table,
		Mesh:      bridge,
		Link:      est,
		Store:     db,
		DataDir:   filepath.Dir(cfg.Daemon.DBPath),
	}, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	save := func() {
		if err := db.Save(table.Snapshot(), time.Now()); err != nil {
			log.Error().Err(err).Msg("Failed to save peer table")
		}
	}

	spawn("modem", func(ctx context.Context) error { client.Run(ctx); return nil })
	spawn("listener", lst.Run)
	spawn("scheduler", sched.Run)
	spawn("mesh bridge", bridge.Run)
	spawn("rpc", rpcServer.Serve)
	spawn("expiry", func(ctx context.Context) error {
		table.RunExpiry(ctx, config.Duration(cfg.Peers.SweepInterval), bridge.Forget)
		return nil
	})
	spawn("maintenance", func(ctx context.Context) error {
		maintain(ctx, config.Duration(cfg.Peers.SweepInterval), est, save)
		return nil
	})
	if poster != nil {
		spawn("dashboard", func(ctx context.Context) error { poster.Run(ctx); return nil })
	}
	if cfg.Metrics.Listen != "" {
		spawn("metrics", func(ctx context.Context) error { return m.Serve(ctx, cfg.Metrics.Listen, log) })
	}

	log.Info().
		Str("identity", sc.Identity.Short()).
		Str("beacon_mode", sc.BeaconMode.Name).
		Str("data_mode", sc.DataMode.Name).
		Ints("offsets", sc.Offsets).
		Str("operating_mode", string(sc.OperatingMode)).
		Bool("test", sc.Test).
		Bool("listen_only", sc.ListenOnly).
		Msg("Starting HF beacon station")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("Component failed, shutting down")
	}

	cancel()
	wg.Wait()
	save()

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// maintain ages stale link-quality streaks and persists the peer table.
func maintain(ctx context.Context, interval time.Duration, est *linkquality.Estimator, save func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			est.Age(now)
			save()
		}
	}
}

type modemSetup interface {
	Ping(ctx context.Context) error
	SetVolume(ctx context.Context, db int) error
}

// prepareModem checks the control port and applies the configured TX level.
// Failures are logged only; the modem may come up after the daemon.
func prepareModem(ctx context.Context, m modemSetup, volume *int, log zerolog.Logger) {
	if err := m.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("Modem not responding yet, continuing")
	}
	if volume == nil {
		return
	}
	if err := m.SetVolume(ctx, *volume); err != nil {
		log.Warn().Err(err).Int("volume", *volume).Msg("Failed to set TX volume")
		return
	}
	log.Info().Int("volume", *volume).Msg("TX volume set")
}

func meshResolver(cfg *config.Config, log zerolog.Logger) (mesh.PathResolver, func()) {
	if !cfg.Mesh.Enabled {
		return mesh.NopResolver{}, func() {}
	}
	r, err := mesh.DialNATS(cfg.Mesh.NATSURL, cfg.Mesh.SubjectPrefix, config.Duration(cfg.Mesh.Timeout), log)
	if err != nil {
		log.Warn().Err(err).Msg("Mesh sidecar unavailable, path resolution disabled")
		return mesh.NopResolver{}, func() {}
	}
	return r, func() { r.Close() }
}
