package rpc

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hfbeacon/internal/beacon"
	"hfbeacon/internal/linkquality"
	"hfbeacon/internal/mesh"
	"hfbeacon/internal/peers"
	"hfbeacon/internal/scheduler"
)

type fakeScheduler struct {
	mu        sync.Mutex
	status    scheduler.Status
	beaconErr error
	calls     int
}

func (f *fakeScheduler) Status() scheduler.Status { return f.status }

func (f *fakeScheduler) BeaconNow(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.beaconErr
}

func (f *fakeScheduler) refuseWith(err error) {
	f.mu.Lock()
	f.beaconErr = err
	f.mu.Unlock()
}

func (f *fakeScheduler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMesh struct {
	mu        sync.Mutex
	known     map[beacon.Identity]bool
	forgotten []beacon.Identity
}

func (f *fakeMesh) Status(id beacon.Identity) (mesh.PeerStatus, bool) {
	known, ok := f.known[id]
	return mesh.PeerStatus{Identity: id, PathKnown: known}, ok
}

func (f *fakeMesh) Stats() mesh.Stats { return mesh.Stats{Total: len(f.known), Routable: 1} }

func (f *fakeMesh) Forget(ids []beacon.Identity) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, ids...)
	f.mu.Unlock()
}

func (f *fakeMesh) forgottenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forgotten)
}

type fakeStore struct{ saved time.Time }

func (f fakeStore) SavedAt() (time.Time, error) { return f.saved, nil }

// lateUpsertTable hears one more peer just before it is cleared.
type lateUpsertTable struct {
	*peers.Table
	late beacon.Packet
}

func (l lateUpsertTable) Clear() []beacon.Identity {
	l.Table.Upsert(l.late, nil, time.Now())
	return l.Table.Clear()
}

func (f *fakeMesh) wasForgotten(id beacon.Identity) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.forgotten {
		if got == id {
			return true
		}
	}
	return false
}

func packet(t *testing.T, b byte, msg string) beacon.Packet {
	t.Helper()
	var id beacon.Identity
	for i := range id {
		id[i] = b
	}
	p, err := beacon.New(id, beacon.FlagAcceptsLinks, 1700000000, msg)
	require.NoError(t, err)
	return p
}

type fixture struct {
	client *Client
	sched  *fakeScheduler
	table  *peers.Table
	mesh   *fakeMesh
}

func startServer(t *testing.T) fixture {
	t.Helper()

	now := time.Now()
	table := peers.NewTable(time.Hour, zerolog.Nop())
	p1, p2 := packet(t, 1, "W1ABC FN42"), packet(t, 2, "")
	table.Upsert(p1, nil, now.Add(-time.Minute))
	table.Upsert(p2, nil, now)

	sched := &fakeScheduler{status: scheduler.Status{State: scheduler.DataMode, DataMode: "DATAC1", BeaconsSent: 4}}
	m := &fakeMesh{known: map[beacon.Identity]bool{p1.Identity: true, p2.Identity: false}}
	est := linkquality.NewEstimator(linkquality.DefaultConfig())
	est.Observe(7.5, now)

	socket := filepath.Join(t.TempDir(), "hfbeacon.sock")
	srv, err := NewServer(socket, Deps{
		Scheduler: sched,
		Peers:     table,
		Mesh:      m,
		Link:      est,
		Store:     fakeStore{saved: now.Add(-30 * time.Second)},
		DataDir:   t.TempDir(),
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	var client *Client
	require.Eventually(t, func() bool {
		client, err = NewClient(socket)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})

	return fixture{client: client, sched: sched, table: table, mesh: m}
}

func TestRPC_Status(t *testing.T) {
	f := startServer(t)

	st, err := f.client.Status()
	require.NoError(t, err)
	assert.Equal(t, scheduler.DataMode, st.Scheduler.State)
	assert.Equal(t, "DATAC1", st.Scheduler.DataMode)
	assert.Equal(t, uint64(4), st.Scheduler.BeaconsSent)
	assert.Equal(t, 2, st.PeerCount)
	assert.Equal(t, time.Hour, st.PeerExpiry)
	assert.False(t, st.LastSaved.IsZero())
	assert.Equal(t, 2, st.Mesh.Total)
	assert.Equal(t, uint64(1), st.Link.Samples)
	assert.Equal(t, 7.5, st.Link.LastSNR)
	assert.NotEmpty(t, st.Host.Hostname)
	assert.False(t, st.Started.IsZero())
}

func TestRPC_Peers(t *testing.T) {
	f := startServer(t)

	list, err := f.client.Peers()
	require.NoError(t, err)
	require.Len(t, list, 2)

	// Most recently heard first.
	assert.Equal(t, byte(2), list[0].Identity[0])
	assert.False(t, list[0].PathKnown)
	assert.Equal(t, "W1ABC FN42", list[1].Message)
	assert.True(t, list[1].PathKnown)
}

func TestRPC_BeaconNow(t *testing.T) {
	f := startServer(t)

	require.NoError(t, f.client.BeaconNow())
	assert.Equal(t, 1, f.sched.callCount())

	f.sched.refuseWith(scheduler.ErrAlreadyTransmitted)
	assert.ErrorIs(t, f.client.BeaconNow(), scheduler.ErrAlreadyTransmitted)

	f.sched.refuseWith(scheduler.ErrTxDisabled)
	assert.ErrorIs(t, f.client.BeaconNow(), scheduler.ErrTxDisabled)
}

func TestRPC_EvictAndClear(t *testing.T) {
	f := startServer(t)

	removed, err := f.client.EvictPeer("01010101010101010101010101010101")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 1, f.table.Len())

	removed, err = f.client.EvictPeer("01010101010101010101010101010101")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = f.client.EvictPeer("not-hex")
	assert.Error(t, err)

	n, err := f.client.ClearPeers()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.table.Len())
	assert.Equal(t, 2, f.mesh.forgottenCount())
}

func TestService_ClearForgetsEveryRemovedPeer(t *testing.T) {
	table := peers.NewTable(time.Hour, zerolog.Nop())
	early, late := packet(t, 1, ""), packet(t, 3, "")
	table.Upsert(early, nil, time.Now())

	m := &fakeMesh{known: map[beacon.Identity]bool{}}
	svc := &Service{
		deps: Deps{Peers: lateUpsertTable{Table: table, late: late}, Mesh: m},
		log:  zerolog.Nop(),
	}

	var reply ClearPeersReply
	require.NoError(t, svc.ClearPeers(&ClearPeersArgs{}, &reply))
	assert.Equal(t, 2, reply.Removed)
	assert.Equal(t, 0, table.Len())
	assert.True(t, m.wasForgotten(early.Identity))
	assert.True(t, m.wasForgotten(late.Identity), "peer heard during clear must be forgotten too")
}
