package modem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
	DefaultQueueSize  = 64
)

// DataConfig configures the KISS data channel.
type DataConfig struct {
	Addr        string
	DialTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	QueueSize   int
	// MaxFrame bounds a received frame; larger ones are dropped.
	MaxFrame int
}

func (c *DataConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultCommandTimeout
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = DefaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = DefaultMaxBackoff
		if c.MaxBackoff < c.MinBackoff {
			c.MaxBackoff = c.MinBackoff
		}
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = 4096
	}
}

// DataChannel keeps a KISS connection to the modem open, reconnecting with
// exponential backoff, and hands received frames to ReceiveFrame in order.
type DataChannel struct {
	cfg    DataConfig
	dialer net.Dialer
	log    zerolog.Logger

	frames chan []byte
	done   chan struct{}

	mu   sync.Mutex
	conn net.Conn
}

// NewDataChannel creates a channel. Call Run to start receiving.
func NewDataChannel(cfg DataConfig, log zerolog.Logger) *DataChannel {
	cfg.applyDefaults()
	return &DataChannel{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
		log:    log.With().Str("component", "modem-data").Logger(),
		frames: make(chan []byte, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Run connects and reads frames until ctx is cancelled.
func (d *DataChannel) Run(ctx context.Context) {
	defer close(d.done)

	backoff := d.cfg.MinBackoff
	for {
		conn, err := d.dialer.DialContext(ctx, "tcp", d.cfg.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Debug().Err(err).Dur("retry_in", backoff).Msg("KISS port not available")
		} else {
			d.log.Info().Str("addr", d.cfg.Addr).Msg("Connected to KISS port")
			backoff = d.cfg.MinBackoff
			d.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}
}

func (d *DataChannel) serve(ctx context.Context, conn net.Conn) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		d.mu.Lock()
		d.conn = nil
		d.mu.Unlock()
		conn.Close()
	}()

	reader := NewKISSReader(conn, d.cfg.MaxFrame)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				d.log.Warn().Err(err).Msg("KISS connection lost")
			}
			return
		}

		select {
		case d.frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// ReceiveFrame blocks until a frame arrives, ctx is cancelled, or the
// channel stops.
func (d *DataChannel) ReceiveFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-d.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, ErrClosed
	}
}

// Send writes one KISS-framed payload. Without a live connection it dials a
// short-lived one.
func (d *DataChannel) Send(ctx context.Context, payload []byte) error {
	frame := EncodeKISS(payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	conn := d.conn
	if conn == nil {
		c, err := d.dialer.DialContext(ctx, "tcp", d.cfg.Addr)
		if err != nil {
			return fmt.Errorf("%w: connecting to KISS port: %v", ErrUnresponsive, err)
		}
		defer c.Close()
		conn = c
	}

	if err := conn.SetWriteDeadline(time.Now().Add(d.cfg.DialTimeout)); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: setting write deadline: %v", ErrUnresponsive, err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("%w: writing frame: %v", ErrUnresponsive, err)
	}
	return nil
}
