package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"hfbeacon/internal/beacon"
	"hfbeacon/internal/peers"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s, dbPath
}

func sampleRecord(b byte, msg string, lastSeen time.Time) peers.Record {
	var id beacon.Identity
	for i := range id {
		id[i] = b
	}
	level := -12.5
	return peers.Record{
		Identity:        id,
		FirstSeen:       lastSeen.Add(-time.Hour),
		LastSeen:        lastSeen,
		Message:         msg,
		Flags:           beacon.FlagAcceptsLinks | beacon.FlagHasMessage,
		RxCount:         7,
		LastSignalLevel: &level,
		LastPacketTime:  1700000000,
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	s, _ := testStore(t)
	defer s.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := sampleRecord(1, "W1ABC FN42", now)

	if err := s.Save([]peers.Record{want}, now); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	records, err := s.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	got := records[0]
	if got.Identity != want.Identity {
		t.Errorf("Identity: got %s, want %s", got.Identity, want.Identity)
	}
	if got.Message != want.Message {
		t.Errorf("Message: got %q, want %q", got.Message, want.Message)
	}
	if got.RxCount != want.RxCount {
		t.Errorf("RxCount: got %d, want %d", got.RxCount, want.RxCount)
	}
	if !got.LastSeen.Equal(want.LastSeen) {
		t.Errorf("LastSeen: got %v, want %v", got.LastSeen, want.LastSeen)
	}
	if got.LastSignalLevel == nil || *got.LastSignalLevel != -12.5 {
		t.Errorf("LastSignalLevel: got %v, want -12.5", got.LastSignalLevel)
	}

	savedAt, err := s.SavedAt()
	if err != nil {
		t.Fatalf("saved_at failed: %v", err)
	}
	if !savedAt.Equal(now) {
		t.Errorf("SavedAt: got %v, want %v", savedAt, now)
	}
}

func TestStore_SaveReplacesContents(t *testing.T) {
	s, _ := testStore(t)
	defer s.Close()

	now := time.Now()
	s.Save([]peers.Record{sampleRecord(1, "", now), sampleRecord(2, "", now)}, now)
	if err := s.Save([]peers.Record{sampleRecord(3, "", now)}, now); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	records, _ := s.Load()
	if len(records) != 1 || records[0].Identity[0] != 3 {
		t.Errorf("expected only peer 03 after replace, got %+v", records)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	s, path := testStore(t)
	now := time.Now()
	if err := s.Save([]peers.Record{sampleRecord(9, "KX0Y", now)}, now); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	s.Close()

	reopened, err := New(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	records, err := reopened.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(records) != 1 || records[0].Message != "KX0Y" {
		t.Errorf("unexpected records after reopen: %+v", records)
	}
}

func TestStore_SkipsCorruptRecords(t *testing.T) {
	s, _ := testStore(t)
	defer s.Close()

	now := time.Now()
	s.Save([]peers.Record{sampleRecord(1, "", now)}, now)

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Put([]byte("garbage"), []byte{0xc1})
	})
	if err != nil {
		t.Fatalf("inject failed: %v", err)
	}

	records, err := s.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected corrupt record to be skipped, got %d records", len(records))
	}
}

func TestStore_RestoreIntoTable(t *testing.T) {
	s, _ := testStore(t)
	defer s.Close()

	now := time.Now()
	s.Save([]peers.Record{
		sampleRecord(1, "", now.Add(-time.Hour)),
		sampleRecord(2, "", now.Add(-3*time.Hour)),
	}, now)

	records, _ := s.Load()
	table := peers.NewTable(2*time.Hour, zerolog.Nop())
	if n := table.Restore(records, now); n != 1 {
		t.Errorf("restored: got %d, want 1", n)
	}
}
