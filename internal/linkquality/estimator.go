// Package linkquality turns receive level samples into a coarse channel
// class and recommends modulation changes only after a sustained trend.
package linkquality

import (
	"fmt"
	"sync"
	"time"
)

// Class is a coarse channel quality grade. Robust < Marginal < Good.
type Class int

const (
	Robust Class = iota
	Marginal
	Good
)

func (c Class) String() string {
	switch c {
	case Robust:
		return "robust"
	case Marginal:
		return "marginal"
	case Good:
		return "good"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

const (
	DefaultLowThreshold  = -2.0
	DefaultHighThreshold = 3.0
	DefaultNoiseFloor    = -35.0
	DefaultSamples       = 3
	DefaultMaxGap        = 5 * time.Minute
)

// Classify grades snr against the two thresholds.
func Classify(snr, low, high float64) Class {
	switch {
	case snr < low:
		return Robust
	case snr > high:
		return Good
	default:
		return Marginal
	}
}

// EstimateSNR approximates SNR in dB from a modem receive level and an
// assumed noise floor.
func EstimateSNR(level, noiseFloor float64) float64 {
	return level - noiseFloor
}

// Config holds estimator tuning.
type Config struct {
	LowThreshold  float64
	HighThreshold float64
	// Samples is how many consecutive samples of a new class are needed
	// before a change is recommended.
	Samples int
	// MaxGap restarts a streak when samples are further apart than this.
	MaxGap time.Duration
	// Initial is the class assumed before any sample arrives.
	Initial Class
}

// DefaultConfig returns the stock thresholds with three-sample hysteresis.
func DefaultConfig() Config {
	return Config{
		LowThreshold:  DefaultLowThreshold,
		HighThreshold: DefaultHighThreshold,
		Samples:       DefaultSamples,
		MaxGap:        DefaultMaxGap,
		Initial:       Good,
	}
}

// Recommendation is a surfaced class change.
type Recommendation struct {
	From Class
	To   Class
	SNR  float64
	At   time.Time
}

// Estimator is safe for concurrent use: the receive path feeds samples while
// the scheduler consumes recommendations.
type Estimator struct {
	cfg Config

	mu          sync.Mutex
	current     Class
	streakClass Class
	streak      int
	lastSample  time.Time
	lastSNR     float64
	samples     uint64
	pending     *Recommendation
}

// NewEstimator creates an estimator. Zero fields in cfg fall back to defaults.
func NewEstimator(cfg Config) *Estimator {
	def := DefaultConfig()
	if cfg.Samples <= 0 {
		cfg.Samples = def.Samples
	}
	if cfg.MaxGap <= 0 {
		cfg.MaxGap = def.MaxGap
	}
	if cfg.LowThreshold == 0 && cfg.HighThreshold == 0 {
		cfg.LowThreshold = def.LowThreshold
		cfg.HighThreshold = def.HighThreshold
	}
	return &Estimator{cfg: cfg, current: cfg.Initial}
}

// Observe records one SNR sample taken at at. It returns a recommendation
// when this sample completes a streak of cfg.Samples consecutive samples of
// the same class, different from the current one.
func (e *Estimator) Observe(snr float64, at time.Time) (Recommendation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	class := Classify(snr, e.cfg.LowThreshold, e.cfg.HighThreshold)

	if e.streak > 0 && at.Sub(e.lastSample) > e.cfg.MaxGap {
		e.streak = 0
	}
	e.lastSample = at
	e.lastSNR = snr
	e.samples++

	if class == e.current {
		e.streak = 0
		return Recommendation{}, false
	}

	if e.streak > 0 && class == e.streakClass {
		e.streak++
	} else {
		e.streakClass = class
		e.streak = 1
	}

	if e.streak < e.cfg.Samples {
		return Recommendation{}, false
	}

	rec := Recommendation{From: e.current, To: class, SNR: snr, At: at}
	e.current = class
	e.streak = 0
	e.pending = &rec
	return rec, true
}

// Take returns the latest recommendation not yet consumed.
func (e *Estimator) Take() (Recommendation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil {
		return Recommendation{}, false
	}
	rec := *e.pending
	e.pending = nil
	return rec, true
}

// Age drops a partial streak whose newest sample is older than MaxGap.
func (e *Estimator) Age(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.streak > 0 && now.Sub(e.lastSample) > e.cfg.MaxGap {
		e.streak = 0
	}
}

// Current returns the class the estimator currently believes in.
func (e *Estimator) Current() Class {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Class      Class
	LastSNR    float64
	LastSample time.Time
	Samples    uint64
	Streak     int
}

func (e *Estimator) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Class:      e.current,
		LastSNR:    e.lastSNR,
		LastSample: e.lastSample,
		Samples:    e.samples,
		Streak:     e.streak,
	}
}
