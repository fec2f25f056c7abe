// Package listener implements the beacon receive path: frames from the modem
// data channel are decoded, filtered and recorded in the peer table.
package listener

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"hfbeacon/internal/beacon"
	"hfbeacon/internal/linkquality"
	"hfbeacon/internal/modem"
	"hfbeacon/internal/peers"
)

const (
	DefaultMaxClockSkew = 24 * time.Hour
	levelQueryTimeout   = 2 * time.Second
)

// Discard reasons reported to the Recorder.
const (
	ReasonFormat    = "format"
	ReasonIntegrity = "integrity"
	ReasonSize      = "size"
	ReasonOwn       = "own_identity"
	ReasonStale     = "stale_timestamp"
)

// FrameSource yields inbound data frames in receive order.
type FrameSource interface {
	ReceiveFrame(ctx context.Context) ([]byte, error)
}

// LevelSource reports the current receive level in dB.
type LevelSource interface {
	QueryLevel(ctx context.Context) (float64, error)
}

// Observer is told about every accepted beacon after the peer table has
// been updated and unlocked.
type Observer interface {
	ObservePeer(rec peers.Record, isNew bool)
}

// Recorder receives receive-path events for metrics.
type Recorder interface {
	BeaconReceived(isNew bool)
	FrameDiscarded(reason string)
}

type nopRecorder struct{}

func (nopRecorder) BeaconReceived(bool)   {}
func (nopRecorder) FrameDiscarded(string) {}

// Config tunes the receive path.
type Config struct {
	Self beacon.Identity
	// MaxClockSkew bounds |packet timestamp - local time|; zero disables the check.
	MaxClockSkew time.Duration
	NoiseFloor   float64
}

// Listener processes inbound frames inline, one at a time.
type Listener struct {
	cfg       Config
	src       FrameSource
	levels    LevelSource
	table     *peers.Table
	estimator *linkquality.Estimator
	rec       Recorder
	observers []Observer
	log       zerolog.Logger
	now       func() time.Time
}

// New wires a listener. levels, est and rec may be nil.
func New(cfg Config, src FrameSource, levels LevelSource, table *peers.Table, est *linkquality.Estimator, rec Recorder, log zerolog.Logger) *Listener {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Listener{
		cfg:       cfg,
		src:       src,
		levels:    levels,
		table:     table,
		estimator: est,
		rec:       rec,
		log:       log.With().Str("component", "listener").Logger(),
		now:       time.Now,
	}
}

// AddObserver registers o. Call before Run.
func (l *Listener) AddObserver(o Observer) {
	l.observers = append(l.observers, o)
}

// Run receives frames until ctx is cancelled or the data channel closes.
func (l *Listener) Run(ctx context.Context) error {
	l.log.Info().Str("identity", l.cfg.Self.Short()).Msg("Listener started, waiting for beacons")

	for {
		frame, err := l.src.ReceiveFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, modem.ErrClosed) {
				return err
			}
			l.log.Error().Err(err).Msg("Error receiving frame")
			continue
		}

		l.HandleFrame(ctx, frame)
	}
}

// HandleFrame processes a single frame. It reports whether the frame was
// accepted as a beacon.
func (l *Listener) HandleFrame(ctx context.Context, frame []byte) bool {
	now := l.now()

	l.log.Debug().Int("bytes", len(frame)).Msg("Frame received")

	p, err := beacon.Decode(frame)
	if err != nil {
		if !beacon.LooksLikeBeacon(frame) {
			// Ordinary mesh traffic sharing the data channel.
			return false
		}
		reason := discardReason(err)
		l.log.Warn().Err(err).Str("reason", reason).Msg("Discarding corrupt beacon")
		l.rec.FrameDiscarded(reason)
		return false
	}

	if p.Identity == l.cfg.Self {
		l.rec.FrameDiscarded(ReasonOwn)
		return false
	}

	if l.cfg.MaxClockSkew > 0 {
		skew := now.Sub(time.Unix(int64(p.Timestamp), 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > l.cfg.MaxClockSkew {
			l.log.Warn().
				Str("identity", p.Identity.Short()).
				Uint32("packet_ts", p.Timestamp).
				Int64("local_ts", now.Unix()).
				Msg("Stale timestamp, discarding beacon")
			l.rec.FrameDiscarded(ReasonStale)
			return false
		}
	}

	level := l.queryLevel(ctx)

	rec, isNew := l.table.Upsert(p, level, now)
	l.rec.BeaconReceived(isNew)

	if level != nil && l.estimator != nil {
		l.estimator.Observe(linkquality.EstimateSNR(*level, l.cfg.NoiseFloor), now)
	}

	l.log.Info().
		Str("identity", p.Identity.Short()).
		Str("message", p.Message).
		Uint64("rx_count", rec.RxCount).
		Bool("new", isNew).
		Msg("Beacon received")

	for _, o := range l.observers {
		o.ObservePeer(rec, isNew)
	}
	return true
}

func (l *Listener) queryLevel(ctx context.Context) *float64 {
	if l.levels == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, levelQueryTimeout)
	defer cancel()

	level, err := l.levels.QueryLevel(ctx)
	if err != nil {
		l.log.Debug().Err(err).Msg("Level query failed")
		return nil
	}
	return &level
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, beacon.ErrIntegrity):
		return ReasonIntegrity
	case errors.Is(err, beacon.ErrSize):
		return ReasonSize
	default:
		return ReasonFormat
	}
}
