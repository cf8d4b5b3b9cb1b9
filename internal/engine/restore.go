package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

// ErrRemoteNotFound is returned by a RemoteSource that holds no backup yet.
var ErrRemoteNotFound = errors.New("remote backup not found")

// RemoteSource fetches the raw snapshot document mirrored to remote storage.
type RemoteSource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Origin names where a restored snapshot came from.
type Origin string

const (
	OriginRemote Origin = "remote"
	OriginLocal  Origin = "local"
	OriginEmpty  Origin = "empty"
)

// RestoreResult is the outcome of Restore.
type RestoreResult struct {
	Snapshot *schema.Snapshot
	Origin   Origin
	Repaired int
}

// Restore loads the boot state: the remote backup when available, else the
// local snapshot, else an empty registry. The result is reconciled before it
// is returned. remote may be nil.
func Restore(ctx context.Context, remote RemoteSource, local *Persistence, logger *zap.Logger, now time.Time) RestoreResult {
	if logger == nil {
		logger = zap.NewNop()
	}

	res := RestoreResult{Origin: OriginEmpty}
	if snap, err := restoreRemote(ctx, remote); err == nil {
		res.Snapshot, res.Origin = snap, OriginRemote
	} else if remote != nil {
		if errors.Is(err, ErrRemoteNotFound) {
			logger.Info("no remote backup found, trying local snapshot")
		} else {
			logger.Warn("remote restore failed, trying local snapshot", zap.Error(err))
		}
	}

	if res.Snapshot == nil && local != nil {
		snap, err := local.Load()
		switch {
		case err == nil:
			res.Snapshot, res.Origin = snap, OriginLocal
		case IsNotExist(err):
			logger.Info("no local snapshot found, starting fresh")
		default:
			logger.Warn("local snapshot unreadable, starting fresh", zap.Error(err))
		}
	}

	if res.Snapshot == nil {
		res.Snapshot = &schema.Snapshot{Version: schema.SnapshotVersion, GlobalCounter: 1}
	}
	res.Repaired = Reconcile(res.Snapshot, now)

	logger.Info("registry restored",
		zap.String("origin", string(res.Origin)),
		zap.Int("identities", len(res.Snapshot.Registry)),
		zap.Int("live", len(res.Snapshot.ActiveSet)),
		zap.Int("deleted", len(res.Snapshot.AuditLog)),
		zap.Int("repaired", res.Repaired))
	return res
}

func restoreRemote(ctx context.Context, remote RemoteSource) (*schema.Snapshot, error) {
	if remote == nil {
		return nil, ErrRemoteNotFound
	}
	data, err := remote.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(data)
}

// Reconcile repairs a snapshot in place and returns the number of fixes.
//
// Live ids missing from the registry get a synthesized record whose class is
// the id's prefix token. Duplicate live ids are dropped, and the global
// counter is raised past every sequence found in the registry or audit log.
func Reconcile(snap *schema.Snapshot, now time.Time) int {
	fixes := 0
	known := make(map[string]bool, len(snap.Registry))
	for _, rec := range snap.Registry {
		known[rec.ID] = true
	}

	seen := make(map[string]bool, len(snap.ActiveSet))
	active := snap.ActiveSet[:0]
	for _, id := range snap.ActiveSet {
		if id == "" || seen[id] {
			fixes++
			continue
		}
		seen[id] = true
		active = append(active, id)
		if !known[id] {
			snap.Registry = append(snap.Registry, schema.IdentityRecord{
				ID:        id,
				Class:     ClassFromID(id),
				CreatedAt: now,
			})
			known[id] = true
			fixes++
		}
	}
	snap.ActiveSet = active

	floor := uint64(1)
	raise := func(id string) {
		if seq, ok := sequenceFromID(id); ok && seq >= floor {
			floor = seq + 1
		}
	}
	for _, rec := range snap.Registry {
		raise(rec.ID)
	}
	for _, entry := range snap.AuditLog {
		raise(entry.ID)
	}
	if snap.GlobalCounter < floor {
		snap.GlobalCounter = floor
		fixes++
	}
	return fixes
}
