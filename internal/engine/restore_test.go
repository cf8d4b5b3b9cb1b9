package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

type stubRemote struct {
	data []byte
	err  error
}

func (s stubRemote) Fetch(context.Context) ([]byte, error) {
	return s.data, s.err
}

func encode(t *testing.T, snap *schema.Snapshot) []byte {
	t.Helper()
	data, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	return data
}

func localWith(t *testing.T, snap *schema.Snapshot) *Persistence {
	t.Helper()
	p, err := NewPersistence(t.TempDir(), "")
	require.NoError(t, err)
	if snap != nil {
		require.NoError(t, p.Save(snap))
	}
	return p
}

func TestRestore_PrefersRemote(t *testing.T) {
	now := time.Now()
	remote := stubRemote{data: encode(t, &schema.Snapshot{Version: 1, GlobalCounter: 40, ServerLabel: "remote"})}
	local := localWith(t, &schema.Snapshot{Version: 1, Sequence: 1, GlobalCounter: 10, ServerLabel: "local"})

	res := Restore(context.Background(), remote, local, nil, now)
	require.Equal(t, OriginRemote, res.Origin)
	require.Equal(t, "remote", res.Snapshot.ServerLabel)
	require.Equal(t, uint64(40), res.Snapshot.GlobalCounter)
}

func TestRestore_FallsBackToLocal(t *testing.T) {
	now := time.Now()
	local := localWith(t, &schema.Snapshot{Version: 1, Sequence: 1, GlobalCounter: 10, ServerLabel: "local"})

	for name, remote := range map[string]RemoteSource{
		"nil remote":       nil,
		"not found":        stubRemote{err: ErrRemoteNotFound},
		"unreachable":      stubRemote{err: errors.New("connection refused")},
		"corrupt document": stubRemote{data: []byte("{garbage")},
		"newer version":    stubRemote{data: []byte(`{"version": 99}`)},
	} {
		t.Run(name, func(t *testing.T) {
			res := Restore(context.Background(), remote, local, nil, now)
			require.Equal(t, OriginLocal, res.Origin)
			require.Equal(t, "local", res.Snapshot.ServerLabel)
		})
	}
}

func TestRestore_ColdStart(t *testing.T) {
	res := Restore(context.Background(), stubRemote{err: ErrRemoteNotFound}, localWith(t, nil), nil, time.Now())
	require.Equal(t, OriginEmpty, res.Origin)
	require.Empty(t, res.Snapshot.Registry)
	require.Equal(t, uint64(1), res.Snapshot.GlobalCounter)
	require.Zero(t, res.Repaired)

	res = Restore(context.Background(), nil, nil, nil, time.Now())
	require.Equal(t, OriginEmpty, res.Origin)
}

func TestReconcile(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	snap := &schema.Snapshot{
		Version: 1,
		Registry: []schema.IdentityRecord{
			{ID: "worker_001", Class: "worker"},
		},
		ActiveSet: []string{"worker_001", "scraper_012", "orphan", "worker_001", ""},
		AuditLog: []schema.AuditEntry{
			{ID: "bot_020", Class: "bot", Reason: ReasonManualDeletion},
		},
		GlobalCounter: 2,
	}

	fixes := Reconcile(snap, now)
	// two synthesized records, two dropped active ids, one counter repair
	require.Equal(t, 5, fixes)
	require.Equal(t, []string{"worker_001", "scraper_012", "orphan"}, snap.ActiveSet)
	require.Len(t, snap.Registry, 3)
	require.Equal(t, "scraper", snap.Registry[1].Class)
	require.Equal(t, now, snap.Registry[1].CreatedAt)
	require.Equal(t, "unknown", snap.Registry[2].Class)
	require.Equal(t, uint64(21), snap.GlobalCounter)

	require.Zero(t, Reconcile(snap, now), "reconcile must be idempotent")

	r := NewRegistry(snap, nil)
	id, _, err := r.Acquire("bot", "")
	require.NoError(t, err)
	require.Equal(t, "bot_021", id, "ids of deleted identities must not be reissued")
}
