package mesh

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hfbeacon/internal/beacon"
	"hfbeacon/internal/peers"
)

const (
	DefaultPathRequestInterval = 5 * time.Minute
	DefaultCheckInterval       = time.Minute
	defaultQueueSize           = 64
)

// PeerStatus tracks the mesh reachability of one beacon peer.
type PeerStatus struct {
	Identity      beacon.Identity `json:"identity" yaml:"identity"`
	FirstSeen     time.Time       `json:"first_seen" yaml:"first_seen"`
	LastSeen      time.Time       `json:"last_seen" yaml:"last_seen"`
	PathKnown     bool            `json:"path_known" yaml:"path_known"`
	PathRequested time.Time       `json:"path_requested" yaml:"path_requested"`
	PathResolved  time.Time       `json:"path_resolved" yaml:"path_resolved"`
}

// Stats summarises bridge state.
type Stats struct {
	Total    int `json:"total" yaml:"total"`
	Routable int `json:"routable" yaml:"routable"`
	Pending  int `json:"pending" yaml:"pending"`
}

// Bridge forwards new peers to the mesh resolver without blocking the
// receive path. Resolver calls happen only on the Run goroutine.
type Bridge struct {
	resolver PathResolver
	interval time.Duration
	check    time.Duration
	filter   AspectFilter
	log      zerolog.Logger
	now      func() time.Time

	jobs chan beacon.Identity

	mu    sync.Mutex
	peers map[beacon.Identity]*PeerStatus
}

// NewBridge creates a bridge. interval is the minimum time between path
// requests for the same peer.
func NewBridge(r PathResolver, interval time.Duration, log zerolog.Logger) *Bridge {
	if interval <= 0 {
		interval = DefaultPathRequestInterval
	}
	return &Bridge{
		resolver: r,
		interval: interval,
		check:    DefaultCheckInterval,
		log:      log.With().Str("component", "mesh-bridge").Logger(),
		now:      time.Now,
		jobs:     make(chan beacon.Identity, defaultQueueSize),
		peers:    make(map[beacon.Identity]*PeerStatus),
	}
}

// SetFilter limits which announces resolve peers. Call before Run.
func (b *Bridge) SetFilter(f AspectFilter) {
	b.filter = f
}

// SetCheckInterval sets how often unresolved peers are re-checked. Call
// before Run.
func (b *Bridge) SetCheckInterval(d time.Duration) {
	if d > 0 {
		b.check = d
	}
}

// ObservePeer receives every accepted beacon from the listener.
func (b *Bridge) ObservePeer(rec peers.Record, isNew bool) {
	b.mu.Lock()
	st, known := b.peers[rec.Identity]
	if known {
		st.LastSeen = rec.LastSeen
	}
	b.mu.Unlock()

	if isNew || !known {
		b.OnNewPeer(rec)
	}
}

// OnNewPeer registers rec and queues a resolution job. It never blocks; when
// the queue is full the periodic check picks the peer up later.
func (b *Bridge) OnNewPeer(rec peers.Record) {
	b.mu.Lock()
	if _, ok := b.peers[rec.Identity]; !ok {
		b.peers[rec.Identity] = &PeerStatus{
			Identity:  rec.Identity,
			FirstSeen: rec.FirstSeen,
			LastSeen:  rec.LastSeen,
		}
		b.log.Info().Str("identity", rec.Identity.Short()).Msg("New beacon peer registered")
	}
	b.mu.Unlock()

	select {
	case b.jobs <- rec.Identity:
	default:
		b.log.Warn().Str("identity", rec.Identity.Short()).Msg("Resolution queue full, deferring to periodic check")
	}
}

// Run registers for announces and resolves queued peers until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	unregister, err := b.resolver.RegisterAnnounceHandler(b.filter, b)
	if err != nil {
		return err
	}
	defer unregister()

	ticker := time.NewTicker(b.check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-b.jobs:
			b.resolve(ctx, id, b.now())
		case <-ticker.C:
			b.OnPeriodic(ctx, b.now())
		}
	}
}

// OnPeriodic re-checks every unresolved peer whose last request is older
// than the request interval.
func (b *Bridge) OnPeriodic(ctx context.Context, now time.Time) {
	b.mu.Lock()
	var due []beacon.Identity
	for id, st := range b.peers {
		if !st.PathKnown && now.Sub(st.PathRequested) >= b.interval {
			due = append(due, id)
		}
	}
	b.mu.Unlock()

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		b.resolve(ctx, id, now)
	}
}

func (b *Bridge) resolve(ctx context.Context, id beacon.Identity, now time.Time) {
	b.mu.Lock()
	st, ok := b.peers[id]
	if !ok || st.PathKnown {
		b.mu.Unlock()
		return
	}
	recent := !st.PathRequested.IsZero() && now.Sub(st.PathRequested) < b.interval
	b.mu.Unlock()

	has, err := b.resolver.HasPath(ctx, id)
	if err != nil {
		b.log.Debug().Err(err).Str("identity", id.Short()).Msg("Path lookup failed")
	}
	if has {
		b.markResolved(id, now)
		return
	}
	if recent {
		return
	}

	if err := b.resolver.RequestPath(ctx, id); err != nil {
		b.log.Error().Err(err).Str("identity", id.Short()).Msg("Path request failed")
		return
	}

	b.mu.Lock()
	if st, ok := b.peers[id]; ok {
		st.PathRequested = now
	}
	b.mu.Unlock()

	b.log.Info().Str("identity", id.Short()).Msg("Requested path for beacon peer")
}

// ReceivedAnnounce marks a tracked peer as reachable.
func (b *Bridge) ReceivedAnnounce(id beacon.Identity, _ []byte) {
	b.markResolved(id, b.now())
}

func (b *Bridge) markResolved(id beacon.Identity, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.peers[id]
	if !ok || st.PathKnown {
		return
	}
	st.PathKnown = true
	st.PathResolved = now
	b.log.Info().Str("identity", id.Short()).Msg("Path resolved for beacon peer")
}

// Forget drops status for peers evicted from the peer table.
func (b *Bridge) Forget(ids []beacon.Identity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.peers, id)
	}
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{Total: len(b.peers)}
	for _, st := range b.peers {
		switch {
		case st.PathKnown:
			s.Routable++
		case !st.PathRequested.IsZero():
			s.Pending++
		}
	}
	return s
}

// Snapshot returns every tracked peer, most recently heard first.
func (b *Bridge) Snapshot() []PeerStatus {
	b.mu.Lock()
	out := make([]PeerStatus, 0, len(b.peers))
	for _, st := range b.peers {
		out = append(out, *st)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Status returns the tracked status of id.
func (b *Bridge) Status(id beacon.Identity) (PeerStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.peers[id]
	if !ok {
		return PeerStatus{}, false
	}
	return *st, true
}
