// Package modem is the client for the HF modem's control and data ports.
//
// The control port takes one text command per line and answers with a line
// starting with OK or ERROR. The data port carries KISS frames in both
// directions; the modem does not tag frames with the mode that produced them.
package modem

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Client owns both modem channels. No other component talks to the modem.
type Client struct {
	*ControlClient
	data *DataChannel
}

// NewClient builds a client from its two channels.
func NewClient(control *ControlClient, data *DataChannel) *Client {
	return &Client{ControlClient: control, data: data}
}

// Dial is the daemon's constructor: control port at controlAddr, KISS port
// per data.
func Dial(controlAddr string, timeout time.Duration, data DataConfig, log zerolog.Logger) *Client {
	if data.DialTimeout <= 0 {
		data.DialTimeout = timeout
	}
	return NewClient(NewControlClient(controlAddr, timeout, log), NewDataChannel(data, log))
}

// Run drives the data channel until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	c.data.Run(ctx)
}

// ReceiveFrame returns the next inbound data frame.
func (c *Client) ReceiveFrame(ctx context.Context) ([]byte, error) {
	return c.data.ReceiveFrame(ctx)
}

// SendFrame transmits b, refusing frames larger than the active
// modulation's capacity.
func (c *Client) SendFrame(ctx context.Context, b []byte) error {
	if m, ok := c.Active(); ok && len(b) > m.FrameSize {
		return fmt.Errorf("%w: %d bytes, %s carries %d", ErrFrameTooLarge, len(b), m.Name, m.FrameSize)
	}
	return c.data.Send(ctx, b)
}
