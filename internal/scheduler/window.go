package scheduler

import "time"

// Window is one beacon window, [Start, End).
type Window struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

func (w Window) IsZero() bool { return w.Start.IsZero() }

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (c *Config) hourAllowed(h int) bool {
	if len(c.Hours) == 0 {
		return true
	}
	for _, allowed := range c.Hours {
		if allowed == h {
			return true
		}
	}
	return false
}

// WindowAt returns the window containing t, if any.
func (c *Config) WindowAt(t time.Time) (Window, bool) {
	t = t.UTC()
	hour := t.Truncate(time.Hour)

	// A window may have opened in the previous hour and still be running.
	for _, base := range []time.Time{hour, hour.Add(-time.Hour)} {
		if !c.hourAllowed(base.Hour()) {
			continue
		}
		for _, m := range c.Offsets {
			start := base.Add(time.Duration(m) * time.Minute)
			w := Window{Start: start, End: start.Add(c.WindowDuration)}
			if w.Contains(t) {
				return w, true
			}
		}
	}
	return Window{}, false
}

// NextWindow returns the first window starting strictly after t.
func (c *Config) NextWindow(t time.Time) Window {
	t = t.UTC()
	hour := t.Truncate(time.Hour)

	for i := 0; i <= 25; i++ {
		base := hour.Add(time.Duration(i) * time.Hour)
		if !c.hourAllowed(base.Hour()) {
			continue
		}
		for _, m := range c.Offsets {
			start := base.Add(time.Duration(m) * time.Minute)
			if start.After(t) {
				return Window{Start: start, End: start.Add(c.WindowDuration)}
			}
		}
	}
	return Window{}
}
