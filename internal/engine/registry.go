package engine

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

// Default audit reasons used when the caller does not supply one.
const (
	ReasonManualOffline    = "manual_offline"
	ReasonHeartbeatOffline = "heartbeat_offline"
	ReasonManualDeletion   = "manual_deletion"
	ReasonBulkDeletion     = "bulk_deletion"
	ReasonClassDeletion    = "class_deletion"
	ReasonOfflineCleanup   = "offline_cleanup"
)

// Snapshotter persists full registry snapshots.
type Snapshotter interface {
	Save(snap *schema.Snapshot) error
}

// Metrics receives registry events.
type Metrics interface {
	IdentityAcquired(class string, mode schema.Mode)
	HeartbeatReceived(first bool)
	IdentitiesSwept(n int)
	IdentityDeleted(reason string)
	SnapshotWritten(d time.Duration, err error)
	RegistrySize(total, live int)
}

// HeartbeatResult describes an accepted heartbeat.
type HeartbeatResult struct {
	First     bool
	SinceLast time.Duration
	Released  bool
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Total         int
	Live          int
	Deleted       int
	GlobalCounter uint64
	Classes       map[string]schema.ClassStats
}

// Health reports the registry size and whether local persistence is degraded.
type Health struct {
	Total            int
	Live             int
	Uptime           time.Duration
	Degraded         bool
	LastPersistError string
}

// Registry is the single owner of identity state.
//
// All mutations and the sweep run under mu. Snapshots are copied under the lock
// and written once it is released, before the mutating call returns.
type Registry struct {
	mu            sync.Mutex
	records       map[string]*schema.IdentityRecord
	order         []string
	active        map[string]struct{}
	handedOff     map[string]struct{}
	audit         map[string]schema.AuditEntry
	auditOrder    []string
	globalCounter uint64
	classCounters map[string]uint64
	sequence      uint64

	policy     Policy
	label      string
	persister  Snapshotter
	now        func() time.Time
	logger     *zap.Logger
	metrics    Metrics
	onAllocate func()
	startedAt  time.Time

	healthMu   sync.Mutex
	persistErr error
	persistSeq uint64 // sequence persistErr belongs to
}

var _ IdentityStore = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithPolicy sets the liveness policy. The policy is expected to be normalized.
func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithAllocationHook registers fn to run after every new identity allocation.
// fn runs outside the registry lock and must not block.
func WithAllocationHook(fn func()) Option {
	return func(r *Registry) { r.onAllocate = fn }
}

// WithServerLabel stamps snapshots with the server label.
func WithServerLabel(label string) Option {
	return func(r *Registry) { r.label = label }
}

// NewRegistry builds a registry from a restored snapshot (nil for a cold start).
// p may be nil, in which case nothing is persisted.
func NewRegistry(initial *schema.Snapshot, p Snapshotter, opts ...Option) *Registry {
	r := &Registry{
		records:       make(map[string]*schema.IdentityRecord),
		active:        make(map[string]struct{}),
		handedOff:     make(map[string]struct{}),
		audit:         make(map[string]schema.AuditEntry),
		classCounters: make(map[string]uint64),
		globalCounter: 1,
		persister:     p,
		now:           time.Now,
		logger:        zap.NewNop(),
		metrics:       nopMetrics{},
	}
	r.policy, _ = PolicyFor(LivenessStrict)
	for _, opt := range opts {
		opt(r)
	}
	r.startedAt = r.now()
	if initial != nil {
		r.load(initial)
	}
	return r
}

func (r *Registry) load(snap *schema.Snapshot) {
	for _, rec := range snap.Registry {
		if rec.ID == "" {
			continue
		}
		if _, dup := r.records[rec.ID]; dup {
			continue
		}
		c := rec.Clone()
		r.records[c.ID] = &c
		r.order = append(r.order, c.ID)
	}
	for _, id := range snap.ActiveSet {
		if _, ok := r.records[id]; ok {
			r.active[id] = struct{}{}
		}
	}
	for _, entry := range snap.AuditLog {
		if _, dup := r.audit[entry.ID]; dup {
			continue
		}
		r.audit[entry.ID] = entry
		r.auditOrder = append(r.auditOrder, entry.ID)
	}
	for _, cc := range snap.PerClassCounters {
		r.classCounters[cc.Class] = cc.Count
	}
	if snap.GlobalCounter > r.globalCounter {
		r.globalCounter = snap.GlobalCounter
	}
	r.sequence = snap.Sequence
}

// Policy returns the liveness policy in effect.
func (r *Registry) Policy() Policy {
	return r.policy
}

// Acquire hands out an identity of class: the caller's previous id when it is
// still compliant and was not reactivated for someone else in the meantime,
// else the first non-live identity of the class, else a new one.
func (r *Registry) Acquire(class, currentID string) (string, schema.Mode, error) {
	class = strings.TrimSpace(class)
	if class == "" {
		return "", "", fmt.Errorf("%w: class is required", ErrValidation)
	}
	if strings.ContainsAny(class, "/ \t\r\n") {
		return "", "", fmt.Errorf("%w: class %q contains invalid characters", ErrValidation, class)
	}

	r.mu.Lock()
	now := r.now()
	id, mode := r.acquireLocked(class, strings.TrimSpace(currentID), now)
	snap := r.snapshotLocked(now)
	total, live := len(r.records), len(r.active)
	r.mu.Unlock()

	r.persist(snap)
	r.metrics.IdentityAcquired(class, mode)
	r.metrics.RegistrySize(total, live)
	if mode == schema.ModeNew && r.onAllocate != nil {
		r.onAllocate()
	}

	r.logger.Info("identity assigned",
		zap.String("id", id),
		zap.String("class", class),
		zap.String("mode", string(mode)),
		zap.Int("live", live))
	return id, mode, nil
}

func (r *Registry) acquireLocked(class, currentID string, now time.Time) (string, schema.Mode) {
	if currentID != "" {
		// An id reactivated for another caller belongs to that caller until it
		// leaves the live set again.
		_, reassigned := r.handedOff[currentID]
		if rec, ok := r.records[currentID]; ok && !reassigned && rec.Class == class && r.policy.compliantForReconnect(rec, now) {
			r.markLiveLocked(rec, now)
			return currentID, schema.ModeReconnected
		}
	}

	for _, id := range r.order {
		rec := r.records[id]
		if rec.Class != class {
			continue
		}
		if _, live := r.active[id]; live {
			continue
		}
		r.markLiveLocked(rec, now)
		r.handedOff[id] = struct{}{}
		return id, schema.ModeReactivated
	}

	id := r.nextIDLocked(class)
	rec := &schema.IdentityRecord{ID: id, Class: class, CreatedAt: now}
	r.records[id] = rec
	r.order = append(r.order, id)
	r.active[id] = struct{}{}
	return id, schema.ModeNew
}

func (r *Registry) markLiveLocked(rec *schema.IdentityRecord, now time.Time) {
	t := now
	rec.LastHeartbeatAt = &t
	r.active[rec.ID] = struct{}{}
}

// nextIDLocked draws from the global counter. Ids still held or already
// deleted are skipped so a damaged counter can never hand out a duplicate.
func (r *Registry) nextIDLocked(class string) string {
	for {
		seq := r.globalCounter
		r.globalCounter++
		id := FormatID(class, seq)
		if _, taken := r.records[id]; taken {
			continue
		}
		if _, deleted := r.audit[id]; deleted {
			continue
		}
		r.classCounters[class]++
		return id
	}
}

// Heartbeat records a sign of life for id. A status of "offline" releases the
// identity instead.
func (r *Registry) Heartbeat(id, status string, activeSessions int) (HeartbeatResult, error) {
	if id == "" {
		return HeartbeatResult{}, fmt.Errorf("%w: id is required", ErrValidation)
	}
	if strings.EqualFold(status, schema.HeartbeatOffline) {
		if err := r.Release(id, ReasonHeartbeatOffline); err != nil {
			return HeartbeatResult{}, err
		}
		return HeartbeatResult{Released: true}, nil
	}

	r.mu.Lock()
	now := r.now()
	rec, ok := r.records[id]
	if !ok {
		_, deleted := r.audit[id]
		if deleted || r.policy.StrictHeartbeat {
			r.mu.Unlock()
			return HeartbeatResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		rec = r.synthesizeLocked(id, now)
		r.logger.Warn("heartbeat from unknown identity, record created", zap.String("id", id))
	}

	res := HeartbeatResult{First: rec.LastHeartbeatAt == nil}
	if !res.First {
		res.SinceLast = now.Sub(*rec.LastHeartbeatAt)
	}
	rec.ActiveSessions = activeSessions
	r.markLiveLocked(rec, now)
	snap := r.snapshotLocked(now)
	total, live := len(r.records), len(r.active)
	r.mu.Unlock()

	r.persist(snap)
	r.metrics.HeartbeatReceived(res.First)
	r.metrics.RegistrySize(total, live)
	r.logger.Debug("heartbeat",
		zap.String("id", id),
		zap.Bool("first", res.First),
		zap.Duration("since_last", res.SinceLast))
	return res, nil
}

// synthesizeLocked materializes a record for an id the registry never issued.
func (r *Registry) synthesizeLocked(id string, now time.Time) *schema.IdentityRecord {
	rec := &schema.IdentityRecord{ID: id, Class: ClassFromID(id), CreatedAt: now}
	r.records[id] = rec
	r.order = append(r.order, id)
	if seq, ok := sequenceFromID(id); ok && seq >= r.globalCounter {
		r.globalCounter = seq + 1
	}
	return rec
}

// Release takes id out of the live set. The record stays available for reuse.
func (r *Registry) Release(id, reason string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if reason == "" {
		reason = ReasonManualOffline
	}

	r.mu.Lock()
	if _, ok := r.records[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	_, wasLive := r.active[id]
	if !wasLive {
		r.mu.Unlock()
		r.logger.Debug("release of non-live identity", zap.String("id", id))
		return nil
	}
	delete(r.active, id)
	delete(r.handedOff, id)
	snap := r.snapshotLocked(r.now())
	total, live := len(r.records), len(r.active)
	r.mu.Unlock()

	r.persist(snap)
	r.metrics.RegistrySize(total, live)
	r.logger.Info("identity released", zap.String("id", id), zap.String("reason", reason))
	return nil
}

// Delete permanently removes id and writes an audit entry for it.
func (r *Registry) Delete(id, reason string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if reason == "" {
		reason = ReasonManualDeletion
	}

	r.mu.Lock()
	now := r.now()
	if err := r.deleteLocked(id, reason, now); err != nil {
		r.mu.Unlock()
		return err
	}
	snap := r.snapshotLocked(now)
	total, live := len(r.records), len(r.active)
	r.mu.Unlock()

	r.persist(snap)
	r.metrics.IdentityDeleted(reason)
	r.metrics.RegistrySize(total, live)
	r.logger.Info("identity deleted", zap.String("id", id), zap.String("reason", reason))
	return nil
}

// DeleteByClass deletes every identity of class.
func (r *Registry) DeleteByClass(class, reason string) (DeleteOutcome, error) {
	if class == "" {
		return DeleteOutcome{}, fmt.Errorf("%w: class is required", ErrValidation)
	}
	if reason == "" {
		reason = ReasonClassDeletion
	}
	return r.deleteMatching(reason, func(rec *schema.IdentityRecord) bool {
		return rec.Class == class
	}), nil
}

// DeleteStale deletes every identity that is not currently live.
func (r *Registry) DeleteStale(reason string) DeleteOutcome {
	if reason == "" {
		reason = ReasonOfflineCleanup
	}
	return r.deleteMatching(reason, func(rec *schema.IdentityRecord) bool {
		_, live := r.active[rec.ID]
		return !live
	})
}

// deleteMatching selects ids under the lock and deletes them one by one.
// match runs with mu held.
func (r *Registry) deleteMatching(reason string, match func(*schema.IdentityRecord) bool) DeleteOutcome {
	r.mu.Lock()
	var ids []string
	for _, id := range r.order {
		if match(r.records[id]) {
			ids = append(ids, id)
		}
	}
	return r.deleteIDsLocked(ids, reason)
}

// DeleteBulk deletes each of ids in turn. Unknown ids are reported as failed.
func (r *Registry) DeleteBulk(ids []string, reason string) (DeleteOutcome, error) {
	if len(ids) == 0 {
		return DeleteOutcome{}, fmt.Errorf("%w: ids are required", ErrValidation)
	}
	if reason == "" {
		reason = ReasonBulkDeletion
	}
	r.mu.Lock()
	return r.deleteIDsLocked(ids, reason), nil
}

// deleteIDsLocked must be entered with mu held and releases it.
func (r *Registry) deleteIDsLocked(ids []string, reason string) DeleteOutcome {
	now := r.now()
	out := DeleteOutcome{Succeeded: []string{}, Failed: []FailedDelete{}}
	for _, id := range ids {
		var err error
		if id == "" {
			err = fmt.Errorf("%w: id is required", ErrValidation)
		} else {
			err = r.deleteLocked(id, reason, now)
		}
		if err != nil {
			out.Failed = append(out.Failed, FailedDelete{ID: id, Err: err})
			continue
		}
		out.Succeeded = append(out.Succeeded, id)
	}
	if len(out.Succeeded) == 0 {
		r.mu.Unlock()
		return out
	}
	snap := r.snapshotLocked(now)
	total, live := len(r.records), len(r.active)
	r.mu.Unlock()

	r.persist(snap)
	for range out.Succeeded {
		r.metrics.IdentityDeleted(reason)
	}
	r.metrics.RegistrySize(total, live)
	r.logger.Info("identities deleted",
		zap.Int("deleted", len(out.Succeeded)),
		zap.Int("failed", len(out.Failed)),
		zap.String("reason", reason))
	return out
}

func (r *Registry) deleteLocked(id, reason string, now time.Time) error {
	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, seen := r.audit[id]; !seen {
		r.auditOrder = append(r.auditOrder, id)
	}
	r.audit[id] = schema.AuditEntry{
		ID:        id,
		Class:     rec.Class,
		Reason:    reason,
		DeletedAt: now,
		Record:    rec.Clone(),
	}
	delete(r.records, id)
	delete(r.active, id)
	delete(r.handedOff, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	return nil
}

// Sweep demotes live identities whose last signal is older than the timeout
// and returns how many were demoted.
func (r *Registry) Sweep() int {
	if !r.policy.Expires() {
		return 0
	}

	r.mu.Lock()
	now := r.now()
	var demoted []string
	for id := range r.active {
		rec, ok := r.records[id]
		if !ok || r.policy.expired(rec, now) {
			delete(r.active, id)
			delete(r.handedOff, id)
			demoted = append(demoted, id)
		}
	}
	if len(demoted) == 0 {
		r.mu.Unlock()
		return 0
	}
	snap := r.snapshotLocked(now)
	total, live := len(r.records), len(r.active)
	r.mu.Unlock()

	r.persist(snap)
	r.metrics.IdentitiesSwept(len(demoted))
	r.metrics.RegistrySize(total, live)
	r.logger.Info("sweep demoted silent identities",
		zap.Int("count", len(demoted)),
		zap.Strings("ids", demoted),
		zap.Int("live", live))
	return len(demoted)
}

// Get returns id with its derived status.
func (r *Registry) Get(id string) (schema.IdentityView, error) {
	if id == "" {
		return schema.IdentityView{}, fmt.Errorf("%w: id is required", ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return schema.IdentityView{
			IdentityRecord: schema.IdentityRecord{ID: id},
			Status:         schema.StatusNotFound,
		}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.viewLocked(rec), nil
}

// List returns every identity in allocation order.
func (r *Registry) List() []schema.IdentityView {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]schema.IdentityView, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.viewLocked(r.records[id]))
	}
	return out
}

func (r *Registry) viewLocked(rec *schema.IdentityRecord) schema.IdentityView {
	status := schema.StatusStale
	if _, live := r.active[rec.ID]; live {
		status = schema.StatusLive
	}
	return schema.IdentityView{IdentityRecord: rec.Clone(), Status: status}
}

// Audit returns the deletion history in deletion order.
func (r *Registry) Audit() []schema.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]schema.AuditEntry, 0, len(r.auditOrder))
	for _, id := range r.auditOrder {
		out = append(out, r.audit[id])
	}
	return out
}

// Stats summarizes the registry per class.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	classes := make(map[string]schema.ClassStats)
	for _, id := range r.order {
		rec := r.records[id]
		cs := classes[rec.Class]
		cs.Total++
		if _, live := r.active[id]; live {
			cs.Live++
		}
		classes[rec.Class] = cs
	}
	for class, n := range r.classCounters {
		cs := classes[class]
		cs.Allocated = n
		classes[class] = cs
	}
	return Stats{
		Total:         len(r.records),
		Live:          len(r.active),
		Deleted:       len(r.audit),
		GlobalCounter: r.globalCounter,
		Classes:       classes,
	}
}

// Health reports size, uptime and the state of local persistence.
func (r *Registry) Health() Health {
	r.mu.Lock()
	h := Health{
		Total:  len(r.records),
		Live:   len(r.active),
		Uptime: r.now().Sub(r.startedAt),
	}
	r.mu.Unlock()

	r.healthMu.Lock()
	if r.persistErr != nil {
		h.Degraded = true
		h.LastPersistError = r.persistErr.Error()
	}
	r.healthMu.Unlock()
	return h
}

// Snapshot returns a deep copy of the current state without persisting it.
func (r *Registry) Snapshot() *schema.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.copyLocked(r.now())
	snap.Sequence = r.sequence
	return snap
}

// Flush writes a snapshot of the current state and reports the write error.
func (r *Registry) Flush() error {
	r.mu.Lock()
	snap := r.snapshotLocked(r.now())
	r.mu.Unlock()
	if r.persister == nil {
		return nil
	}
	return r.persist(snap)
}

// snapshotLocked copies the state under a new sequence number.
// It MUST be called while holding r.mu.
func (r *Registry) snapshotLocked(now time.Time) *schema.Snapshot {
	r.sequence++
	snap := r.copyLocked(now)
	snap.Sequence = r.sequence
	return snap
}

func (r *Registry) copyLocked(now time.Time) *schema.Snapshot {
	snap := &schema.Snapshot{
		Version:          schema.SnapshotVersion,
		ServerLabel:      r.label,
		Registry:         make([]schema.IdentityRecord, 0, len(r.order)),
		ActiveSet:        make([]string, 0, len(r.active)),
		AuditLog:         make([]schema.AuditEntry, 0, len(r.auditOrder)),
		GlobalCounter:    r.globalCounter,
		PerClassCounters: make([]schema.ClassCounter, 0, len(r.classCounters)),
		SavedAt:          now,
	}
	for _, id := range r.order {
		snap.Registry = append(snap.Registry, r.records[id].Clone())
		if _, live := r.active[id]; live {
			snap.ActiveSet = append(snap.ActiveSet, id)
		}
	}
	for _, id := range r.auditOrder {
		snap.AuditLog = append(snap.AuditLog, r.audit[id])
	}
	for class, n := range r.classCounters {
		snap.PerClassCounters = append(snap.PerClassCounters, schema.ClassCounter{Class: class, Count: n})
	}
	slices.SortFunc(snap.PerClassCounters, func(a, b schema.ClassCounter) int {
		return strings.Compare(a.Class, b.Class)
	})
	return snap
}

// persist saves snap and records the outcome for Health. Outcomes of
// snapshots older than the newest recorded one are not recorded.
func (r *Registry) persist(snap *schema.Snapshot) error {
	if r.persister == nil {
		return nil
	}
	start := time.Now()
	err := r.persister.Save(snap)
	r.metrics.SnapshotWritten(time.Since(start), err)

	r.healthMu.Lock()
	if snap.Sequence >= r.persistSeq {
		r.persistSeq = snap.Sequence
		r.persistErr = err
	}
	r.healthMu.Unlock()

	if err != nil {
		r.logger.Error("local snapshot failed",
			zap.Uint64("sequence", snap.Sequence),
			zap.Error(err))
	}
	return err
}

type nopMetrics struct{}

func (nopMetrics) IdentityAcquired(string, schema.Mode) {}
func (nopMetrics) HeartbeatReceived(bool)               {}
func (nopMetrics) IdentitiesSwept(int)                  {}
func (nopMetrics) IdentityDeleted(string)               {}
func (nopMetrics) SnapshotWritten(time.Duration, error) {}
func (nopMetrics) RegistrySize(int, int)                {}
