package modem

import (
	"fmt"
	"sort"
	"strings"
)

// Modulation is a named physical-layer configuration of the modem.
type Modulation struct {
	Name string
	// FrameSize is the payload capacity of one frame, in bytes.
	FrameSize   int
	Description string
}

var modulations = map[string]Modulation{
	"DATAC4":  {Name: "DATAC4", FrameSize: 56, Description: "robust, beacon mode"},
	"DATAC13": {Name: "DATAC13", FrameSize: 14, Description: "very robust, short frames"},
	"DATAC14": {Name: "DATAC14", FrameSize: 3, Description: "most robust, signalling only"},
	"DATAC0":  {Name: "DATAC0", FrameSize: 14, Description: "robust ARQ"},
	"DATAC1":  {Name: "DATAC1", FrameSize: 510, Description: "fast ARQ"},
	"DATAC3":  {Name: "DATAC3", FrameSize: 126, Description: "medium ARQ"},
}

// LookupModulation resolves a modulation by name, case-insensitively.
func LookupModulation(name string) (Modulation, error) {
	m, ok := modulations[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Modulation{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownModulation, name, strings.Join(Names(), ", "))
	}
	return m, nil
}

// Modulations lists every known modulation sorted by name.
func Modulations() []Modulation {
	out := make([]Modulation, 0, len(modulations))
	for _, m := range modulations {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names lists every known modulation name sorted.
func Names() []string {
	all := Modulations()
	names := make([]string, len(all))
	for i, m := range all {
		names[i] = m.Name
	}
	return names
}
