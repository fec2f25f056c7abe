// Package scheduler time-multiplexes the modem between the beacon modulation
// and the data modulation.
//
// Windows open at fixed minute offsets. In each window the scheduler switches
// to the beacon modulation, listens for a guard interval, transmits at most
// one beacon if the channel is clear, listens until the window ends and then
// returns the modem to the data modulation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hfbeacon/internal/beacon"
	"hfbeacon/internal/linkquality"
	"hfbeacon/internal/modem"
)

var (
	ErrTxDisabled         = errors.New("beacon transmission disabled")
	ErrAlreadyTransmitted = errors.New("beacon already transmitted in this window")
	ErrNotRunning         = errors.New("scheduler not running")
)

const shutdownTimeout = 10 * time.Second

// Modem is the subset of the modem client the scheduler drives.
type Modem interface {
	SetMode(ctx context.Context, m modem.Modulation) error
	ChannelClear(ctx context.Context) (bool, error)
	QueryLevel(ctx context.Context) (float64, error)
	SendFrame(ctx context.Context, b []byte) error
	TxWindow(ctx context.Context, d time.Duration) error
}

// Recorder receives scheduler events for metrics.
type Recorder interface {
	StateChanged(s State)
	ModeSwitch(mode string, err error)
	BeaconSent()
	BeaconSkipped(reason string)
}

type nopRecorder struct{}

func (nopRecorder) StateChanged(State)       {}
func (nopRecorder) ModeSwitch(string, error) {}
func (nopRecorder) BeaconSent()              {}
func (nopRecorder) BeaconSkipped(string)     {}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State          State     `json:"state" yaml:"state"`
	ActiveMode     string    `json:"active_mode" yaml:"active_mode"`
	BeaconMode     string    `json:"beacon_mode" yaml:"beacon_mode"`
	DataMode       string    `json:"data_mode" yaml:"data_mode"`
	OperatingMode  string    `json:"operating_mode" yaml:"operating_mode"`
	Window         Window    `json:"window" yaml:"window"`
	NextWindow     Window    `json:"next_window" yaml:"next_window"`
	Transmitted    bool      `json:"transmitted" yaml:"transmitted"`
	LastTx         time.Time `json:"last_tx" yaml:"last_tx"`
	BeaconsSent    uint64    `json:"beacons_sent" yaml:"beacons_sent"`
	BeaconsSkipped uint64    `json:"beacons_skipped" yaml:"beacons_skipped"`
	ModeFailures   uint64    `json:"mode_failures" yaml:"mode_failures"`
	RestorePending bool      `json:"restore_pending" yaml:"restore_pending"`
	TxEnabled      bool      `json:"tx_enabled" yaml:"tx_enabled"`
	ListenOnly     bool      `json:"listen_only" yaml:"listen_only"`
	Test           bool      `json:"test" yaml:"test"`
	Adaptive       bool      `json:"adaptive" yaml:"adaptive"`
	LinkClass      string    `json:"link_class" yaml:"link_class"`
}

type beaconRequest struct {
	reply chan error
}

// Scheduler runs the beacon state machine. Only the Run goroutine changes
// its state; other goroutines read it through Status.
type Scheduler struct {
	cfg       Config
	modem     Modem
	estimator *linkquality.Estimator
	rec       Recorder
	log       zerolog.Logger
	now       func() time.Time

	requests chan beaconRequest

	mu             sync.Mutex
	running        bool
	state          State
	window         Window
	lastWindow     time.Time // start of the last window entered or attempted
	transmitted    bool
	listenSince    time.Time
	lastTx         time.Time
	dataMode       modem.Modulation
	activeMode     string
	restorePending bool
	lastRestore    time.Time
	lastPoll       time.Time
	sent           uint64
	skipped        uint64
	modeFailures   uint64
}

// New creates a scheduler. cfg must have passed Validate. est and rec may be nil.
func New(cfg Config, m Modem, est *linkquality.Estimator, rec Recorder, log zerolog.Logger) *Scheduler {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Scheduler{
		cfg:       cfg,
		modem:     m,
		estimator: est,
		rec:       rec,
		log:       log.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
		requests:  make(chan beaconRequest),
		state:     DataMode,
		dataMode:  cfg.DataMode,
	}
}

// Run drives the state machine until ctx is cancelled. On return the modem
// has been asked to go back to the data modulation if a window was open.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.log.Info().
		Str("beacon_mode", s.cfg.BeaconMode.Name).
		Str("data_mode", s.cfg.DataMode.Name).
		Ints("offsets", s.cfg.Offsets).
		Dur("duration", s.cfg.WindowDuration).
		Str("operating_mode", string(s.cfg.OperatingMode)).
		Msg("Beacon scheduler started")

	if err := s.switchMode(ctx, s.dataMode); err != nil {
		s.log.Error().Err(err).Msg("Failed to set initial data mode")
		s.markRestorePending(s.now())
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return nil
		case req := <-s.requests:
			req.reply <- s.beaconNow(ctx, s.now())
		case <-ticker.C:
			s.Step(ctx, s.now())
		}
	}
}

func (s *Scheduler) shutdown(ctx context.Context) {
	s.mu.Lock()
	needRestore := s.state.InWindow() || s.restorePending
	s.mu.Unlock()

	if needRestore {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := s.switchMode(rctx, s.dataMode); err != nil {
			s.log.Error().Err(err).Msg("Failed to restore data mode on shutdown")
		}
		s.setState(DataMode)
		s.mu.Lock()
		s.window = Window{}
		s.mu.Unlock()
	}

	s.log.Info().Msg("Beacon scheduler stopped")
}

// Step advances the state machine to now. Run calls it on every tick.
func (s *Scheduler) Step(ctx context.Context, now time.Time) {
	switch s.currentState() {
	case DataMode, Idle:
		s.stepData(ctx, now)
	case BeaconListen:
		s.stepListen(ctx, now)
	case BeaconRxWindow:
		if !now.Before(s.window.End) {
			s.exitWindow(ctx, now)
		}
	}
}

func (s *Scheduler) stepData(ctx context.Context, now time.Time) {
	if s.restorePending && now.Sub(s.lastRestore) >= s.cfg.WindowDuration {
		s.retryRestore(ctx, now)
	}

	if s.cfg.OperatingMode != InternetOnly {
		if w, ok := s.cfg.WindowAt(now); ok && !w.Start.Equal(s.lastWindow) {
			s.enterWindow(ctx, now, w)
			return
		}
	}

	if s.cfg.Adaptive && !s.restorePending && now.Sub(s.lastPoll) >= s.cfg.PollInterval {
		s.pollLink(ctx, now)
	}
}

func (s *Scheduler) enterWindow(ctx context.Context, now time.Time, w Window) {
	s.mu.Lock()
	s.lastWindow = w.Start
	s.window = w
	s.transmitted = false
	s.mu.Unlock()

	s.log.Info().Time("start", w.Start).Time("end", w.End).Msg("Entering beacon window")
	s.setState(SwitchingToBeacon)

	if s.cfg.OperatingMode == Hybrid {
		if err := s.modem.TxWindow(ctx, w.End.Sub(now)); err != nil {
			s.log.Warn().Err(err).Msg("Failed to open TX window")
		}
	}

	if err := s.switchMode(ctx, s.cfg.BeaconMode); err != nil {
		// The modem may have applied the mode before the reply was lost.
		s.log.Error().Err(err).Msg("Failed to switch to beacon mode, staying in data mode until next window")
		s.mu.Lock()
		s.window = Window{}
		s.mu.Unlock()
		s.setState(DataMode)
		s.markRestorePending(now)
		return
	}

	s.mu.Lock()
	s.listenSince = now
	s.mu.Unlock()
	s.setState(BeaconListen)
}

func (s *Scheduler) stepListen(ctx context.Context, now time.Time) {
	if !now.Before(s.window.End) {
		s.exitWindow(ctx, now)
		return
	}
	if now.Sub(s.listenSince) < s.cfg.Guard {
		return
	}

	if reason := s.skipReason(ctx); reason != "" {
		s.log.Info().Str("reason", reason).Msg("Skipping beacon transmission")
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		s.rec.BeaconSkipped(reason)
		s.setState(BeaconRxWindow)
		return
	}

	s.markTransmitted()
	s.transmit(ctx, now)
	s.setState(BeaconRxWindow)
}

func (s *Scheduler) skipReason(ctx context.Context) string {
	switch {
	case s.cfg.ListenOnly:
		return "listen_only"
	case !s.cfg.TxEnabled:
		return "tx_disabled"
	case s.transmitted:
		return "already_transmitted"
	}

	isClear, err := s.modem.ChannelClear(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Carrier sense failed")
		return "carrier_sense_failed"
	}
	if !isClear {
		return "channel_busy"
	}
	return ""
}

// markTransmitted sets the per-window flag. It is set before sending so a
// failed send is never retried within the same window.
func (s *Scheduler) markTransmitted() {
	s.mu.Lock()
	s.transmitted = true
	s.mu.Unlock()
}

// transmit sends one beacon.
func (s *Scheduler) transmit(ctx context.Context, now time.Time) {
	s.setState(BeaconTransmit)

	frame, err := s.buildBeacon(now)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build beacon")
		return
	}

	if s.cfg.Test {
		s.log.Info().Int("bytes", len(frame)).Msg("Test mode, beacon not transmitted")
		return
	}

	if err := s.modem.SendFrame(ctx, frame); err != nil {
		s.log.Error().Err(err).Msg("Failed to transmit beacon")
		return
	}

	s.mu.Lock()
	s.lastTx = now
	s.sent++
	s.mu.Unlock()
	s.rec.BeaconSent()

	s.log.Info().
		Str("identity", s.cfg.Identity.Short()).
		Int("bytes", len(frame)).
		Msg("Beacon transmitted")
}

func (s *Scheduler) buildBeacon(now time.Time) ([]byte, error) {
	p, err := beacon.New(s.cfg.Identity, s.cfg.Flags, uint32(now.Unix()), s.cfg.Message)
	if err != nil {
		return nil, err
	}
	return beacon.EncodeWithin(p, s.cfg.BeaconMode.FrameSize)
}

func (s *Scheduler) exitWindow(ctx context.Context, now time.Time) {
	s.log.Info().Msg("Exiting beacon window")
	s.setState(SwitchingToData)

	err := s.switchMode(ctx, s.dataMode)

	s.mu.Lock()
	s.window = Window{}
	s.mu.Unlock()
	s.setState(DataMode)

	if err != nil {
		s.log.Error().Err(err).Msg("Failed to restore data mode")
		s.markRestorePending(now)
	}
}

func (s *Scheduler) markRestorePending(now time.Time) {
	s.mu.Lock()
	s.restorePending = true
	s.lastRestore = now
	s.mu.Unlock()
}

func (s *Scheduler) retryRestore(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.lastRestore = now
	s.mu.Unlock()

	if err := s.switchMode(ctx, s.dataMode); err != nil {
		s.log.Warn().Err(err).Msg("Data mode restore failed, will retry")
		return
	}

	s.mu.Lock()
	s.restorePending = false
	s.mu.Unlock()
	s.log.Info().Str("mode", s.dataMode.Name).Msg("Data mode restored")
}

func (s *Scheduler) pollLink(ctx context.Context, now time.Time) {
	s.lastPoll = now
	if s.estimator == nil {
		return
	}

	level, err := s.modem.QueryLevel(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("Level query failed")
	} else {
		s.estimator.Observe(linkquality.EstimateSNR(level, s.cfg.NoiseFloor), now)
	}

	rec, ok := s.estimator.Take()
	if !ok {
		return
	}

	var target modem.Modulation
	switch rec.To {
	case linkquality.Robust:
		target = s.cfg.RobustMode
	case linkquality.Good:
		target = s.cfg.DataMode
	default:
		return
	}
	if target.Name == s.dataMode.Name {
		return
	}

	s.log.Info().
		Float64("snr", rec.SNR).
		Stringer("class", rec.To).
		Str("mode", target.Name).
		Msg("Adapting data mode")

	if err := s.switchMode(ctx, target); err != nil {
		s.log.Warn().Err(err).Msg("Adaptive mode switch failed")
		return
	}
	s.mu.Lock()
	s.dataMode = target
	s.mu.Unlock()
}

func (s *Scheduler) switchMode(ctx context.Context, m modem.Modulation) error {
	err := s.modem.SetMode(ctx, m)
	s.rec.ModeSwitch(m.Name, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.modeFailures++
		return fmt.Errorf("switching to %s: %w", m.Name, err)
	}
	s.activeMode = m.Name
	return nil
}

// BeaconNow asks the running scheduler to transmit immediately. Inside a
// window it transmits unless this window already has; outside a window it
// switches to the beacon modulation, transmits and switches back.
func (s *Scheduler) BeaconNow(ctx context.Context) error {
	if s.cfg.ListenOnly || !s.cfg.TxEnabled {
		return ErrTxDisabled
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	req := beaconRequest{reply: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) beaconNow(ctx context.Context, now time.Time) error {
	switch s.currentState() {
	case BeaconListen, BeaconRxWindow:
		if s.transmitted {
			return ErrAlreadyTransmitted
		}
		s.markTransmitted()
		s.transmit(ctx, now)
		s.setState(BeaconRxWindow)
		return nil
	}

	if s.restorePending {
		return errors.New("modem has not acknowledged data mode yet")
	}

	s.log.Info().Msg("Operator beacon requested")
	s.setState(SwitchingToBeacon)
	if err := s.switchMode(ctx, s.cfg.BeaconMode); err != nil {
		s.setState(DataMode)
		s.markRestorePending(now)
		return err
	}

	s.transmit(ctx, now)

	s.setState(SwitchingToData)
	err := s.switchMode(ctx, s.dataMode)
	s.setState(DataMode)
	if err != nil {
		s.markRestorePending(now)
		return err
	}
	return nil
}

func (s *Scheduler) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()

	if prev != st {
		s.log.Debug().Stringer("from", prev).Stringer("to", st).Msg("State transition")
		s.rec.StateChanged(st)
	}
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() Status {
	now := s.now()

	s.mu.Lock()
	st := Status{
		State:          s.state,
		ActiveMode:     s.activeMode,
		BeaconMode:     s.cfg.BeaconMode.Name,
		DataMode:       s.dataMode.Name,
		OperatingMode:  string(s.cfg.OperatingMode),
		Window:         s.window,
		Transmitted:    s.transmitted,
		LastTx:         s.lastTx,
		BeaconsSent:    s.sent,
		BeaconsSkipped: s.skipped,
		ModeFailures:   s.modeFailures,
		RestorePending: s.restorePending,
		TxEnabled:      s.cfg.TxEnabled,
		ListenOnly:     s.cfg.ListenOnly,
		Test:           s.cfg.Test,
		Adaptive:       s.cfg.Adaptive,
	}
	s.mu.Unlock()

	if s.cfg.OperatingMode != InternetOnly {
		st.NextWindow = s.cfg.NextWindow(now)
	}
	if s.estimator != nil {
		st.LinkClass = s.estimator.Current().String()
	}
	return st
}
