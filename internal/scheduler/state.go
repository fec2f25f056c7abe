package scheduler

import "fmt"

// State is the scheduler's position in the beacon cycle.
type State int

const (
	Idle State = iota
	SwitchingToBeacon
	BeaconListen
	BeaconTransmit
	BeaconRxWindow
	SwitchingToData
	DataMode
)

var stateNames = map[State]string{
	Idle:              "idle",
	SwitchingToBeacon: "switching_to_beacon",
	BeaconListen:      "beacon_listen",
	BeaconTransmit:    "beacon_transmit",
	BeaconRxWindow:    "beacon_rx_window",
	SwitchingToData:   "switching_to_data",
	DataMode:          "data_mode",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown scheduler state %q", text)
}

// InWindow reports whether the modem may be in the beacon modulation.
func (s State) InWindow() bool {
	switch s {
	case SwitchingToBeacon, BeaconListen, BeaconTransmit, BeaconRxWindow, SwitchingToData:
		return true
	default:
		return false
	}
}
