// Package rpc provides Unix socket IPC between the station daemon and the
// operator CLI.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	netrpc "net/rpc"
	"os"
	"time"

	"github.com/rs/zerolog"

	"hfbeacon/internal/beacon"
	"hfbeacon/internal/linkquality"
	"hfbeacon/internal/mesh"
	"hfbeacon/internal/peers"
	"hfbeacon/internal/scheduler"
	"hfbeacon/internal/sysinfo"
)

// BeaconNowTimeout bounds an operator beacon: two mode switches and a send.
const BeaconNowTimeout = 60 * time.Second

// Scheduler is the part of the beacon scheduler the service exposes.
type Scheduler interface {
	Status() scheduler.Status
	BeaconNow(ctx context.Context) error
}

// PeerTable is the part of the peer table the service exposes.
type PeerTable interface {
	Snapshot() []peers.Record
	Evict(id beacon.Identity) bool
	Clear() []beacon.Identity
	Expiry() time.Duration
}

// Mesh reports path resolution state. May be nil.
type Mesh interface {
	Status(id beacon.Identity) (mesh.PeerStatus, bool)
	Stats() mesh.Stats
	Forget(ids []beacon.Identity)
}

// PeerStore reports when the peer table was last persisted. May be nil.
type PeerStore interface {
	SavedAt() (time.Time, error)
}

// LinkMonitor reports link quality. May be nil.
type LinkMonitor interface {
	Snapshot() linkquality.Snapshot
}

// Deps are the daemon components behind the service.
type Deps struct {
	Scheduler Scheduler
	Peers     PeerTable
	Mesh      Mesh
	Link      LinkMonitor
	Store     PeerStore
	DataDir   string
	Started   time.Time
}

// Service is the RPC service exposed by the daemon.
type Service struct {
	deps Deps
	log  zerolog.Logger
}

// LinkStatus is the estimator view carried in StatusReply.
type LinkStatus struct {
	Class      string    `json:"class" yaml:"class"`
	LastSNR    float64   `json:"last_snr" yaml:"last_snr"`
	LastSample time.Time `json:"last_sample" yaml:"last_sample"`
	Samples    uint64    `json:"samples" yaml:"samples"`
}

type StatusArgs struct{}

type StatusReply struct {
	Scheduler  scheduler.Status `json:"scheduler" yaml:"scheduler"`
	Link       LinkStatus       `json:"link" yaml:"link"`
	PeerCount  int              `json:"peer_count" yaml:"peer_count"`
	PeerExpiry time.Duration    `json:"peer_expiry" yaml:"peer_expiry"`
	LastSaved  time.Time        `json:"last_saved" yaml:"last_saved"`
	Mesh       mesh.Stats       `json:"mesh" yaml:"mesh"`
	Host       sysinfo.Host     `json:"host" yaml:"host"`
	Started    time.Time        `json:"started" yaml:"started"`
}

// Peer is a peer table entry joined with its mesh path state.
type Peer struct {
	peers.Record `yaml:",inline"`
	PathKnown    bool `json:"path_known" yaml:"path_known"`
}

type PeersArgs struct{}

type PeersReply struct {
	Peers []Peer
}

type BeaconNowArgs struct{}

type BeaconNowReply struct {
	Sent bool
}

type ClearPeersArgs struct{}

type ClearPeersReply struct {
	Removed int
}

type EvictPeerArgs struct {
	Identity string
}

type EvictPeerReply struct {
	Removed bool
}

// Status returns scheduler, link, peer and host state.
func (s *Service) Status(args *StatusArgs, reply *StatusReply) error {
	reply.Scheduler = s.deps.Scheduler.Status()
	reply.PeerCount = len(s.deps.Peers.Snapshot())
	reply.PeerExpiry = s.deps.Peers.Expiry()
	reply.Started = s.deps.Started
	reply.Host = sysinfo.Collect(s.deps.DataDir)

	if s.deps.Link != nil {
		snap := s.deps.Link.Snapshot()
		reply.Link = LinkStatus{
			Class:      snap.Class.String(),
			LastSNR:    snap.LastSNR,
			LastSample: snap.LastSample,
			Samples:    snap.Samples,
		}
	}
	if s.deps.Mesh != nil {
		reply.Mesh = s.deps.Mesh.Stats()
	}
	if s.deps.Store != nil {
		saved, err := s.deps.Store.SavedAt()
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to read last save time")
		}
		reply.LastSaved = saved
	}
	return nil
}

// Peers returns every known peer, most recently heard first.
func (s *Service) Peers(args *PeersArgs, reply *PeersReply) error {
	records := s.deps.Peers.Snapshot()
	reply.Peers = make([]Peer, 0, len(records))
	for _, rec := range records {
		p := Peer{Record: rec}
		if s.deps.Mesh != nil {
			if st, ok := s.deps.Mesh.Status(rec.Identity); ok {
				p.PathKnown = st.PathKnown
			}
		}
		reply.Peers = append(reply.Peers, p)
	}
	return nil
}

// BeaconNow transmits a beacon immediately.
func (s *Service) BeaconNow(args *BeaconNowArgs, reply *BeaconNowReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), BeaconNowTimeout)
	defer cancel()

	s.log.Info().Msg("Beacon requested over RPC")
	if err := s.deps.Scheduler.BeaconNow(ctx); err != nil {
		return err
	}
	reply.Sent = true
	return nil
}

// ClearPeers empties the peer table.
func (s *Service) ClearPeers(args *ClearPeersArgs, reply *ClearPeersReply) error {
	ids := s.deps.Peers.Clear()
	reply.Removed = len(ids)
	if s.deps.Mesh != nil {
		s.deps.Mesh.Forget(ids)
	}
	s.log.Info().Int("removed", reply.Removed).Msg("Peer table cleared over RPC")
	return nil
}

// EvictPeer removes one peer by identity hex.
func (s *Service) EvictPeer(args *EvictPeerArgs, reply *EvictPeerReply) error {
	id, err := beacon.ParseIdentity(args.Identity)
	if err != nil {
		return fmt.Errorf("parsing identity: %w", err)
	}
	reply.Removed = s.deps.Peers.Evict(id)
	if reply.Removed && s.deps.Mesh != nil {
		s.deps.Mesh.Forget([]beacon.Identity{id})
	}
	return nil
}

// Server serves the Service on a Unix socket.
type Server struct {
	socketPath string
	server     *netrpc.Server
	log        zerolog.Logger
}

// NewServer registers the service for the given components.
func NewServer(socketPath string, deps Deps, log zerolog.Logger) (*Server, error) {
	log = log.With().Str("component", "rpc").Logger()
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}

	server := netrpc.NewServer()
	if err := server.Register(&Service{deps: deps, log: log}); err != nil {
		return nil, fmt.Errorf("registering RPC service: %w", err)
	}
	return &Server{socketPath: socketPath, server: server, log: log}, nil
}

// Serve accepts connections until ctx is cancelled, then removes the socket.
func (s *Server) Serve(ctx context.Context) error {
	// Remove existing socket file if present
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath)

	if err := os.Chmod(s.socketPath, 0660); err != nil {
		s.log.Warn().Err(err).Msg("Failed to set socket permissions")
	}

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.log.Info().Str("socket", s.socketPath).Msg("RPC server started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Error().Err(err).Msg("RPC accept error")
			continue
		}
		go s.server.ServeConn(conn)
	}
}

// Client is a client for the station RPC service.
type Client struct {
	client *netrpc.Client
}

// NewClient dials the Unix socket and returns an RPC client.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to RPC socket %s: %w", socketPath, err)
	}
	return &Client{client: netrpc.NewClient(conn)}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Status() (StatusReply, error) {
	var reply StatusReply
	err := c.client.Call("Service.Status", &StatusArgs{}, &reply)
	return reply, err
}

func (c *Client) Peers() ([]Peer, error) {
	var reply PeersReply
	if err := c.client.Call("Service.Peers", &PeersArgs{}, &reply); err != nil {
		return nil, err
	}
	return reply.Peers, nil
}

// BeaconNow asks the daemon to transmit. Scheduler refusals come back as
// their sentinel errors.
func (c *Client) BeaconNow() error {
	var reply BeaconNowReply
	return remoteError(c.client.Call("Service.BeaconNow", &BeaconNowArgs{}, &reply))
}

func (c *Client) ClearPeers() (int, error) {
	var reply ClearPeersReply
	err := c.client.Call("Service.ClearPeers", &ClearPeersArgs{}, &reply)
	return reply.Removed, err
}

func (c *Client) EvictPeer(identity string) (bool, error) {
	var reply EvictPeerReply
	err := c.client.Call("Service.EvictPeer", &EvictPeerArgs{Identity: identity}, &reply)
	return reply.Removed, err
}

var knownErrors = []error{
	scheduler.ErrTxDisabled,
	scheduler.ErrAlreadyTransmitted,
	scheduler.ErrNotRunning,
}

// remoteError maps a net/rpc server error string back to its sentinel.
func remoteError(err error) error {
	var se netrpc.ServerError
	if !errors.As(err, &se) {
		return err
	}
	for _, known := range knownErrors {
		if string(se) == known.Error() {
			return known
		}
	}
	return err
}
