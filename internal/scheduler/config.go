package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"hfbeacon/internal/beacon"
	"hfbeacon/internal/modem"
)

// OperatingMode selects which transports the station uses.
type OperatingMode string

const (
	// Hybrid opens the modem transmit gate for each beacon window.
	Hybrid OperatingMode = "hybrid"
	// HFOnly relies on the modem's own gate configuration.
	HFOnly OperatingMode = "hf_only"
	// InternetOnly never opens beacon windows.
	InternetOnly OperatingMode = "internet_only"
)

func ParseOperatingMode(s string) (OperatingMode, error) {
	switch m := OperatingMode(s); m {
	case Hybrid, HFOnly, InternetOnly:
		return m, nil
	case "":
		return Hybrid, nil
	default:
		return "", fmt.Errorf("unknown operating mode %q", s)
	}
}

const (
	DefaultWindowDuration = 120 * time.Second
	DefaultGuard          = 10 * time.Second
	DefaultTick           = time.Second
	DefaultPollInterval   = 30 * time.Second
)

// Config is built once at startup and never changed while running.
type Config struct {
	Identity beacon.Identity
	Flags    beacon.Flags
	Message  string

	BeaconMode modem.Modulation
	DataMode   modem.Modulation
	// RobustMode is used for data when adaptive selection sees a weak channel.
	RobustMode modem.Modulation

	// Offsets are the minutes past the hour at which windows open.
	Offsets []int
	// Hours restricts windows to these UTC hours; empty means every hour.
	Hours []int

	WindowDuration time.Duration
	Guard          time.Duration
	Tick           time.Duration

	TxEnabled  bool
	ListenOnly bool
	// Test runs the full sequence without sending frames.
	Test bool

	OperatingMode OperatingMode

	Adaptive     bool
	PollInterval time.Duration
	NoiseFloor   float64
}

// Validate normalises c and rejects configurations the scheduler cannot run.
func (c *Config) Validate() error {
	if c.WindowDuration == 0 {
		c.WindowDuration = DefaultWindowDuration
	}
	if c.Tick == 0 {
		c.Tick = DefaultTick
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.OperatingMode == "" {
		c.OperatingMode = Hybrid
	}
	if c.RobustMode.Name == "" {
		c.RobustMode = c.DataMode
	}

	if len(c.Offsets) == 0 {
		return errors.New("at least one window offset is required")
	}
	offsets := append([]int(nil), c.Offsets...)
	sort.Ints(offsets)
	for i, m := range offsets {
		if m < 0 || m > 59 {
			return fmt.Errorf("window offset %d outside 0..59", m)
		}
		if i > 0 && offsets[i-1] == m {
			return fmt.Errorf("duplicate window offset %d", m)
		}
	}
	c.Offsets = offsets

	for _, h := range c.Hours {
		if h < 0 || h > 23 {
			return fmt.Errorf("window hour %d outside 0..23", h)
		}
	}

	if c.WindowDuration < 0 || c.Guard < 0 || c.Tick < 0 || c.PollInterval < 0 {
		return errors.New("durations must not be negative")
	}
	if spacing := minSpacing(offsets); c.WindowDuration >= spacing {
		return fmt.Errorf("window duration %s must be shorter than the %s between windows", c.WindowDuration, spacing)
	}
	if c.Guard >= c.WindowDuration {
		return fmt.Errorf("guard interval %s must be shorter than window duration %s", c.Guard, c.WindowDuration)
	}

	if c.BeaconMode.Name == "" || c.DataMode.Name == "" {
		return errors.New("beacon and data modulations are required")
	}
	if c.Identity.IsZero() {
		return errors.New("station identity is required")
	}

	p, err := beacon.New(c.Identity, c.Flags, 0, c.Message)
	if err != nil {
		return fmt.Errorf("beacon message: %w", err)
	}
	if n := p.EncodedLen(); n > c.BeaconMode.FrameSize {
		return fmt.Errorf("%d-byte beacon does not fit a %s frame (%d bytes)", n, c.BeaconMode.Name, c.BeaconMode.FrameSize)
	}

	if _, err := ParseOperatingMode(string(c.OperatingMode)); err != nil {
		return err
	}
	return nil
}

// minSpacing is the shortest gap between consecutive window starts,
// including the wrap into the next hour.
func minSpacing(sorted []int) time.Duration {
	best := 60 - sorted[len(sorted)-1] + sorted[0]
	for i := 1; i < len(sorted); i++ {
		if d := sorted[i] - sorted[i-1]; d < best {
			best = d
		}
	}
	return time.Duration(best) * time.Minute
}
