package modem

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultCommandTimeout = 5 * time.Second
	MinVolume             = -20
	MaxVolume             = 0

	maxReplyLen = 1024
)

// Status is the parsed reply to STATUS.
type Status struct {
	Mode    string
	Volume  int
	PTT     bool
	Channel string // empty when the modem does not report carrier sense
	Fields  map[string]string
}

// ControlClient speaks the modem's line-oriented command protocol. Each
// command uses its own connection and commands are serialized.
type ControlClient struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
	log     zerolog.Logger

	cmdMu sync.Mutex

	mu     sync.RWMutex
	active Modulation
}

// NewControlClient creates a client for the command port at addr.
func NewControlClient(addr string, timeout time.Duration, log zerolog.Logger) *ControlClient {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &ControlClient{
		addr:    addr,
		timeout: timeout,
		log:     log.With().Str("component", "modem-control").Logger(),
	}
}

// Do sends one command line and returns the reply with the leading "OK"
// stripped. ERROR replies wrap ErrRejected; I/O failures wrap ErrUnresponsive.
func (c *ControlClient) Do(ctx context.Context, command string) (string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", fmt.Errorf("%w: connecting to %s: %v", ErrUnresponsive, c.addr, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("%w: setting deadline: %v", ErrUnresponsive, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", fmt.Errorf("%w: sending %q: %v", ErrUnresponsive, command, err)
	}

	line, err := bufio.NewReaderSize(conn, maxReplyLen).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("%w: awaiting reply to %q: %v", ErrUnresponsive, command, err)
	}
	reply := strings.TrimSpace(line)

	c.log.Debug().Str("command", command).Str("reply", reply).Msg("Modem command")

	switch {
	case reply == "OK":
		return "", nil
	case strings.HasPrefix(reply, "OK "):
		return strings.TrimPrefix(reply, "OK "), nil
	case strings.HasPrefix(reply, "ERROR"):
		return "", fmt.Errorf("%w: %s: %s", ErrRejected, command, strings.TrimSpace(strings.TrimPrefix(reply, "ERROR")))
	default:
		return "", fmt.Errorf("%w: %s: unexpected reply %q", ErrRejected, command, reply)
	}
}

// Ping checks that the modem answers.
func (c *ControlClient) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, "PING")
	return err
}

// SetMode switches the modem to m. Repeating the current mode is harmless.
func (c *ControlClient) SetMode(ctx context.Context, m Modulation) error {
	if _, err := c.Do(ctx, "MODE "+m.Name); err != nil {
		return fmt.Errorf("setting mode %s: %w", m.Name, err)
	}

	c.mu.Lock()
	prev := c.active
	c.active = m
	c.mu.Unlock()

	if prev.Name != m.Name {
		c.log.Info().Str("from", prev.Name).Str("to", m.Name).Msg("Modem mode switched")
	}
	return nil
}

// Active returns the modulation last acknowledged by the modem.
func (c *ControlClient) Active() (Modulation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.active.Name != ""
}

// Status queries and parses the modem status line.
func (c *ControlClient) Status(ctx context.Context) (Status, error) {
	reply, err := c.Do(ctx, "STATUS")
	if err != nil {
		return Status{}, fmt.Errorf("querying status: %w", err)
	}
	return parseStatus(reply), nil
}

func parseStatus(reply string) Status {
	st := Status{Fields: make(map[string]string)}
	for _, part := range strings.Fields(strings.TrimPrefix(reply, "STATUS")) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.ToUpper(key)
		st.Fields[key] = value

		switch key {
		case "MODE":
			st.Mode = value
		case "VOLUME":
			st.Volume, _ = strconv.Atoi(value)
		case "PTT":
			st.PTT = strings.EqualFold(value, "ON")
		case "CHANNEL":
			st.Channel = strings.ToUpper(value)
		}
	}
	return st
}

// QueryLevel returns the current receive level in dB.
func (c *ControlClient) QueryLevel(ctx context.Context) (float64, error) {
	reply, err := c.Do(ctx, "LEVELS")
	if err != nil {
		return 0, fmt.Errorf("querying level: %w", err)
	}

	for _, part := range strings.Fields(reply) {
		value, ok := strings.CutPrefix(part, "RX=")
		if !ok {
			continue
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(value, "dB"), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad level %q", ErrRejected, value)
		}
		return level, nil
	}
	return 0, fmt.Errorf("%w: no RX level in %q", ErrRejected, reply)
}

// SetVolume sets the transmit level in dB, between MinVolume and MaxVolume.
func (c *ControlClient) SetVolume(ctx context.Context, db int) error {
	if db < MinVolume || db > MaxVolume {
		return fmt.Errorf("volume %d dB outside %d..%d", db, MinVolume, MaxVolume)
	}
	if _, err := c.Do(ctx, "VOLUME "+strconv.Itoa(db)); err != nil {
		return fmt.Errorf("setting volume: %w", err)
	}
	return nil
}

// ChannelClear reports whether the modem hears no traffic. A modem that
// does not report CHANNEL is treated as clear, so collisions remain possible.
func (c *ControlClient) ChannelClear(ctx context.Context) (bool, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	if st.Channel == "" {
		return true, nil
	}
	return st.Channel == "CLEAR", nil
}

// TxWindow opens the modem's transmit gate for d.
func (c *ControlClient) TxWindow(ctx context.Context, d time.Duration) error {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if _, err := c.Do(ctx, "TX WINDOW "+strconv.Itoa(secs)); err != nil {
		return fmt.Errorf("opening tx window: %w", err)
	}
	return nil
}
