// Package peers keeps the in-memory registry of stations heard via beacons.
package peers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hfbeacon/internal/beacon"
)

// DefaultExpiry is how long a peer stays in the table without a new beacon.
const DefaultExpiry = 2 * time.Hour

// Record represents a station discovered via beacon.
type Record struct {
	Identity        beacon.Identity `json:"identity" msgpack:"identity" yaml:"identity"`
	FirstSeen       time.Time       `json:"first_seen" msgpack:"first_seen" yaml:"first_seen"`
	LastSeen        time.Time       `json:"last_seen" msgpack:"last_seen" yaml:"last_seen"`
	Message         string          `json:"message,omitempty" msgpack:"message" yaml:"message"`
	Flags           beacon.Flags    `json:"flags" msgpack:"flags" yaml:"flags"`
	RxCount         uint64          `json:"rx_count" msgpack:"rx_count" yaml:"rx_count"`
	LastSignalLevel *float64        `json:"last_signal_level,omitempty" msgpack:"last_signal_level" yaml:"last_signal_level"`
	LastPacketTime  uint32          `json:"last_packet_time" msgpack:"last_packet_time" yaml:"last_packet_time"`
}

// Age returns the time since the last beacon from this peer.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.LastSeen)
}

// Table owns the lifetime of every Record. Other components only read
// snapshots or ask for eviction through Evict.
type Table struct {
	mu     sync.RWMutex
	peers  map[beacon.Identity]*Record
	expiry time.Duration
	log    zerolog.Logger
}

// NewTable creates an empty table. A non-positive expiry selects DefaultExpiry.
func NewTable(expiry time.Duration, log zerolog.Logger) *Table {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Table{
		peers:  make(map[beacon.Identity]*Record),
		expiry: expiry,
		log:    log.With().Str("component", "peers").Logger(),
	}
}

// Expiry returns the configured expiry duration.
func (t *Table) Expiry() time.Duration {
	return t.expiry
}

// Upsert records a valid beacon received at now. level is the measured
// receive level in dB, nil when the modem could not report one.
func (t *Table) Upsert(p beacon.Packet, level *float64, now time.Time) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.peers[p.Identity]; ok {
		rec.LastSeen = now
		rec.RxCount++
		rec.Flags = p.Flags
		rec.LastSignalLevel = copyLevel(level)
		rec.LastPacketTime = p.Timestamp
		if p.HasMessage() {
			rec.Message = p.Message
		}

		t.log.Debug().
			Str("identity", p.Identity.Short()).
			Uint64("rx_count", rec.RxCount).
			Msg("Peer updated")

		return *rec, false
	}

	rec := &Record{
		Identity:        p.Identity,
		FirstSeen:       now,
		LastSeen:        now,
		Message:         p.Message,
		Flags:           p.Flags,
		RxCount:         1,
		LastSignalLevel: copyLevel(level),
		LastPacketTime:  p.Timestamp,
	}
	t.peers[p.Identity] = rec

	t.log.Info().
		Str("identity", p.Identity.Short()).
		Str("message", p.Message).
		Msg("New peer discovered")

	return *rec, true
}

// Get returns the record for id.
func (t *Table) Get(id beacon.Identity) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.peers[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of all records, most recently heard first.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	records := make([]Record, 0, len(t.peers))
	for _, rec := range t.peers {
		records = append(records, *rec)
	}
	t.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastSeen.After(records[j].LastSeen)
	})
	return records
}

// Len returns the number of known peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Sweep removes every peer whose last beacon is older than the expiry and
// returns their identities.
func (t *Table) Sweep(now time.Time) []beacon.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []beacon.Identity
	for id, rec := range t.peers {
		if rec.Age(now) > t.expiry {
			delete(t.peers, id)
			evicted = append(evicted, id)

			t.log.Info().
				Str("identity", id.Short()).
				Time("last_seen", rec.LastSeen).
				Msg("Peer expired")
		}
	}
	return evicted
}

// Evict removes a single peer on request. It reports whether the peer existed.
func (t *Table) Evict(id beacon.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.peers[id]; !ok {
		return false
	}
	delete(t.peers, id)
	t.log.Info().Str("identity", id.Short()).Msg("Peer evicted")
	return true
}

// Clear removes all peers and returns the identities that were dropped.
func (t *Table) Clear() []beacon.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := make([]beacon.Identity, 0, len(t.peers))
	for id := range t.peers {
		removed = append(removed, id)
	}
	t.peers = make(map[beacon.Identity]*Record)
	t.log.Info().Int("count", len(removed)).Msg("Peer table cleared")
	return removed
}

// Restore loads previously persisted records, skipping those already
// expired at now and keeping the newer copy on duplicates.
func (t *Table) Restore(records []Record, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	restored := 0
	for i := range records {
		rec := records[i]
		if rec.Age(now) > t.expiry {
			continue
		}
		if existing, ok := t.peers[rec.Identity]; ok && existing.LastSeen.After(rec.LastSeen) {
			continue
		}
		rec.LastSignalLevel = copyLevel(rec.LastSignalLevel)
		t.peers[rec.Identity] = &rec
		restored++
	}
	return restored
}

// RunExpiry sweeps the table every interval until ctx is cancelled. onEvict,
// if set, is called outside the table lock with the evicted identities.
func (t *Table) RunExpiry(ctx context.Context, interval time.Duration, onEvict func([]beacon.Identity)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			evicted := t.Sweep(now)
			if len(evicted) > 0 && onEvict != nil {
				onEvict(evicted)
			}
		}
	}
}

func copyLevel(level *float64) *float64 {
	if level == nil {
		return nil
	}
	v := *level
	return &v
}
