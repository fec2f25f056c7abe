package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"hfbeacon/internal/beacon"
)

const DefaultRequestTimeout = 2 * time.Second

// Announce is the payload published by the mesh sidecar on <prefix>.announce.
type Announce struct {
	Destination []byte `msgpack:"destination"`
	Aspect      string `msgpack:"aspect"`
	AppData     []byte `msgpack:"app_data"`
}

// natsConn is the subset of *nats.Conn the resolver uses.
type natsConn interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// NATSResolver talks to a mesh router sidecar over NATS:
//
//	<prefix>.path.has      request/reply, hex identity -> "1" or "0"
//	<prefix>.path.request  publish, hex identity
//	<prefix>.announce      msgpack Announce
type NATSResolver struct {
	nc      natsConn
	prefix  string
	timeout time.Duration
	log     zerolog.Logger
}

// DialNATS connects to the NATS server at url.
func DialNATS(url, prefix string, timeout time.Duration, log zerolog.Logger) (*NATSResolver, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	log = log.With().Str("component", "mesh-nats").Logger()

	nc, err := nats.Connect(url,
		nats.Name("hfbeacon"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	log.Info().Str("url", url).Str("prefix", prefix).Msg("Connected to mesh sidecar")
	return newNATSResolver(nc, prefix, timeout, log), nil
}

func newNATSResolver(nc natsConn, prefix string, timeout time.Duration, log zerolog.Logger) *NATSResolver {
	return &NATSResolver{nc: nc, prefix: prefix, timeout: timeout, log: log}
}

func (r *NATSResolver) subject(name string) string {
	return r.prefix + "." + name
}

func (r *NATSResolver) HasPath(ctx context.Context, id beacon.Identity) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg, err := r.nc.RequestWithContext(ctx, r.subject("path.has"), []byte(id.String()))
	if err != nil {
		return false, fmt.Errorf("querying path for %s: %w", id.Short(), err)
	}
	return string(msg.Data) == "1", nil
}

func (r *NATSResolver) RequestPath(_ context.Context, id beacon.Identity) error {
	if err := r.nc.Publish(r.subject("path.request"), []byte(id.String())); err != nil {
		return fmt.Errorf("requesting path for %s: %w", id.Short(), err)
	}
	return nil
}

func (r *NATSResolver) RegisterAnnounceHandler(filter AspectFilter, h AnnounceHandler) (func(), error) {
	sub, err := r.nc.Subscribe(r.subject("announce"), func(m *nats.Msg) {
		r.handleAnnounce(m.Data, filter, h)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to announces: %w", err)
	}

	return func() {
		if err := sub.Unsubscribe(); err != nil {
			r.log.Debug().Err(err).Msg("Unsubscribe failed")
		}
	}, nil
}

func (r *NATSResolver) handleAnnounce(data []byte, filter AspectFilter, h AnnounceHandler) {
	a, id, err := decodeAnnounce(data)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to unmarshal announce")
		return
	}
	if !filter.Matches(a.Aspect) {
		return
	}
	h.ReceivedAnnounce(id, a.AppData)
}

// Close drains pending messages and closes the connection.
func (r *NATSResolver) Close() error {
	return r.nc.Drain()
}

// decodeAnnounce unpacks an announce and truncates its destination to a
// beacon identity.
func decodeAnnounce(data []byte) (Announce, beacon.Identity, error) {
	var a Announce
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return Announce{}, beacon.Identity{}, err
	}
	if len(a.Destination) == 0 {
		return Announce{}, beacon.Identity{}, fmt.Errorf("announce without destination")
	}

	var id beacon.Identity
	copy(id[:], a.Destination)
	return a, id, nil
}
