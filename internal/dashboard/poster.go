// Package dashboard forwards heard stations to the local web dashboard.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hfbeacon/internal/peers"
)

const (
	DefaultTimeout   = 5 * time.Second
	defaultQueueSize = 32
	noLevel          = -99.0
)

// Peer is the JSON body posted for every received beacon.
type Peer struct {
	Identity     string  `json:"identity"`
	Callsign     string  `json:"callsign"`
	Grid         string  `json:"grid"`
	RxLevelDB    float64 `json:"rx_level_db"`
	Interface    string  `json:"interface"`
	FrequencyKHz int     `json:"frequency_khz"`
	Flags        uint8   `json:"flags"`
}

// PeerFromRecord builds the dashboard body. The beacon message is
// expected to read "CALLSIGN GRID".
func PeerFromRecord(rec peers.Record) Peer {
	p := Peer{
		Identity:  rec.Identity.String(),
		RxLevelDB: noLevel,
		Interface: "HF",
		Flags:     uint8(rec.Flags),
	}
	fields := strings.Fields(rec.Message)
	if len(fields) > 0 {
		p.Callsign = fields[0]
	}
	if len(fields) > 1 {
		p.Grid = fields[1]
	}
	if rec.LastSignalLevel != nil {
		p.RxLevelDB = *rec.LastSignalLevel
	}
	return p
}

// Poster posts peers asynchronously so the receive path never waits on HTTP.
type Poster struct {
	url    string
	client *http.Client
	queue  chan Peer
	log    zerolog.Logger
}

func NewPoster(url string, timeout time.Duration, log zerolog.Logger) *Poster {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Poster{
		url:    url,
		client: &http.Client{Timeout: timeout},
		queue:  make(chan Peer, defaultQueueSize),
		log:    log.With().Str("component", "dashboard").Logger(),
	}
}

// ObservePeer queues a post. When the queue is full the update is dropped;
// the next beacon from that station carries the same data.
func (p *Poster) ObservePeer(rec peers.Record, _ bool) {
	select {
	case p.queue <- PeerFromRecord(rec):
	default:
		p.log.Debug().Str("peer", rec.Identity.Short()).Msg("Dashboard queue full, dropping update")
	}
}

// Run drains the queue until ctx is cancelled.
func (p *Poster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case peer := <-p.queue:
			if err := p.Post(ctx, peer); err != nil {
				p.log.Debug().Err(err).Str("peer", peer.Identity).Msg("Dashboard post failed")
			}
		}
	}
}

// Post sends one peer to the dashboard.
func (p *Poster) Post(ctx context.Context, peer Peer) error {
	body, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("encoding peer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dashboard returned status %d", resp.StatusCode)
	}
	p.log.Debug().Str("peer", peer.Identity).Msg("Posted peer to dashboard")
	return nil
}
