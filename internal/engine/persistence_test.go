package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

func TestPersistence_SaveLoad(t *testing.T) {
	p, err := NewPersistence(filepath.Join(t.TempDir(), "nested", "data"), "")
	require.NoError(t, err)
	require.Equal(t, DefaultSnapshotFile, filepath.Base(p.Path()))

	_, err = p.Load()
	require.True(t, IsNotExist(err))

	hb := time.Date(2026, 3, 1, 8, 0, 5, 0, time.UTC)
	snap := &schema.Snapshot{
		Version:  schema.SnapshotVersion,
		Sequence: 3,
		Registry: []schema.IdentityRecord{
			{ID: "worker_001", Class: "worker", CreatedAt: hb.Add(-5 * time.Second), LastHeartbeatAt: &hb, ActiveSessions: 2},
			{ID: "worker_002", Class: "worker", CreatedAt: hb},
		},
		ActiveSet:        []string{"worker_001"},
		AuditLog:         []schema.AuditEntry{},
		GlobalCounter:    3,
		PerClassCounters: []schema.ClassCounter{{Class: "worker", Count: 2}},
		SavedAt:          hb,
	}
	require.NoError(t, p.Save(snap))

	_, err = os.Stat(p.Path() + ".tmp")
	require.True(t, os.IsNotExist(err), "temporary file must be renamed away")

	got, err := p.Load()
	require.NoError(t, err)
	if diff := cmp.Diff(snap, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistence_DropsOlderSequences(t *testing.T) {
	p, err := NewPersistence(t.TempDir(), "state.json")
	require.NoError(t, err)

	require.NoError(t, p.Save(&schema.Snapshot{Version: 1, Sequence: 5, GlobalCounter: 9}))
	require.NoError(t, p.Save(&schema.Snapshot{Version: 1, Sequence: 4, GlobalCounter: 7}))

	got, err := p.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.Sequence)
	require.Equal(t, uint64(9), got.GlobalCounter)
}

func TestPersistence_WriteFailure(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersistence(dir, "")
	require.NoError(t, err)
	// A directory in place of the snapshot file makes the rename fail.
	require.NoError(t, os.Mkdir(p.Path(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(p.Path(), "keep"), []byte("x"), 0644))

	err = p.Save(&schema.Snapshot{Version: 1, Sequence: 1})
	require.ErrorIs(t, err, ErrPersistence)
}

func TestPersistence_OlderSnapshotDroppedAfterFailedWrite(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersistence(dir, "")
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(p.Path(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(p.Path(), "keep"), []byte("x"), 0644))

	err = p.Save(&schema.Snapshot{Version: 1, Sequence: 5})
	require.ErrorIs(t, err, ErrPersistence)
	require.NoError(t, os.RemoveAll(p.Path()))

	require.NoError(t, p.Save(&schema.Snapshot{Version: 1, Sequence: 4}))
	_, err = os.Stat(p.Path())
	require.True(t, os.IsNotExist(err), "older snapshot must not be written")

	require.NoError(t, p.Save(&schema.Snapshot{Version: 1, Sequence: 6}))
	data, err := os.ReadFile(p.Path())
	require.NoError(t, err)
	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)
	require.Equal(t, uint64(6), snap.Sequence)
}

func TestDecodeSnapshot(t *testing.T) {
	_, err := DecodeSnapshot([]byte(`{"version": 2}`))
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	snap, err := DecodeSnapshot([]byte(`{"registry": [], "globalCounter": 4}`))
	require.NoError(t, err)
	require.Equal(t, schema.SnapshotVersion, snap.Version)
	require.Equal(t, uint64(4), snap.GlobalCounter)

	_, err = DecodeSnapshot([]byte(`{not json`))
	require.Error(t, err)
}

func TestRegistry_SnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersistence(dir, "")
	require.NoError(t, err)

	clock := newTestClock()
	policy, _ := PolicyFor(LivenessStrict)
	r := NewRegistry(nil, p, WithPolicy(policy), WithClock(clock.Now), WithServerLabel("naming-rt"))

	for _, class := range []string{"worker", "worker", "scraper", "bot"} {
		_, _, err := r.Acquire(class, "")
		require.NoError(t, err)
	}
	clock.Advance(10 * time.Second)
	_, err = r.Heartbeat("worker_001", "", 3)
	require.NoError(t, err)
	require.NoError(t, r.Release("scraper_003", ""))
	require.NoError(t, r.Delete("bot_004", "retired"))

	want := r.Snapshot()

	loaded, err := p.Load()
	require.NoError(t, err)
	restored := NewRegistry(loaded, nil, WithPolicy(policy), WithClock(clock.Now), WithServerLabel("naming-rt"))

	ignoreSavedAt := cmpopts.IgnoreFields(schema.Snapshot{}, "SavedAt")
	if diff := cmp.Diff(want, restored.Snapshot(), ignoreSavedAt); diff != "" {
		t.Fatalf("restored state differs (-want +got):\n%s", diff)
	}
	require.Equal(t, r.Stats(), restored.Stats())

	// The restored registry continues the global sequence.
	id, mode, err := restored.Acquire("bot", "")
	require.NoError(t, err)
	require.Equal(t, "bot_005", id)
	require.Equal(t, schema.ModeNew, mode)
}
