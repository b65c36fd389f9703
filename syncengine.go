package tether

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SyncEngine drives bidirectional reconciliation between the local store
// and the replication server. Push drains the mutation log in append
// order; pull applies server changes since the per-collection cursor,
// routing divergent records through the conflict resolver. At most one
// pass runs at a time; triggers arriving mid-pass coalesce into a single
// follow-up pass.
type SyncEngine struct {
	config   SyncConfig
	tenantID string
	clientID string

	store     *LocalStore
	log       *MutationLog
	transport *Transport
	resolver  *ConflictResolver
	monitor   *ConnectivityMonitor
	events    *EventBus
	clock     *VectorClock
	logger    *slog.Logger
	archive   ArchiveBackend

	mu      sync.Mutex
	repos   map[string]*Repository
	syncing bool
	rerun   bool

	trigger chan struct{}

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	syncCount     atomic.Int64
	failedSyncs   atomic.Int64
	pushedCount   atomic.Int64
	pulledCount   atomic.Int64
	conflictCount atomic.Int64
	deferredCount atomic.Int64
	lastSyncAt    atomic.Int64

	// nowFn is the clock injection point for tests.
	nowFn func() int64
}

// NewSyncEngine wires a sync engine over its collaborators. The vector
// clock is the tenant-wide clock shared with the repositories.
func NewSyncEngine(config SyncConfig, tenantID, clientID string, store *LocalStore,
	log *MutationLog, transport *Transport, resolver *ConflictResolver,
	monitor *ConnectivityMonitor, events *EventBus, clock *VectorClock,
	logger *slog.Logger) *SyncEngine {

	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &SyncEngine{
		config:    config,
		tenantID:  tenantID,
		clientID:  clientID,
		store:     store,
		log:       log,
		transport: transport,
		resolver:  resolver,
		monitor:   monitor,
		events:    events,
		clock:     clock,
		logger:    logger,
		repos:     make(map[string]*Repository),
		trigger:   make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		nowFn:     nowMillis,
	}
	resolver.Registry().onResolve = e.applyResolvedConflict
	return e
}

// RegisterCollection makes a collection visible to the pull phase. Called
// by the engine whenever a repository is created.
func (e *SyncEngine) RegisterCollection(collection string, repo *Repository) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.repos[collection] = repo
}

func (e *SyncEngine) repoFor(collection string) *Repository {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.repos[collection]
}

func (e *SyncEngine) collections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.repos))
	for c := range e.repos {
		out = append(out, c)
	}
	return out
}

// Start begins background syncing: a pass on every connectivity recovery,
// on the configured interval while online, and on explicit triggers.
func (e *SyncEngine) Start() {
	if e.running.Swap(true) {
		return
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.runLoop()
}

// Stop halts background syncing. A pass in flight finishes its current
// mutation and cursor write.
func (e *SyncEngine) Stop() {
	if !e.running.Swap(false) {
		return
	}
	e.cancel()
	e.wg.Wait()
}

// NudgeSync requests a pass without blocking. Used by connectivity
// recovery and by realtime reconciliation hints.
func (e *SyncEngine) NudgeSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SyncNow runs one pass synchronously. If a pass is already in flight the
// call coalesces into a follow-up pass and returns nil.
func (e *SyncEngine) SyncNow(ctx context.Context) error {
	return e.syncPass(ctx)
}

func (e *SyncEngine) runLoop() {
	defer e.wg.Done()

	subID, connEvents := e.monitor.Subscribe()
	defer e.monitor.Unsubscribe(subID)

	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	// A failed pass is rescheduled ahead of the interval with exponential
	// backoff; the first success clears the streak.
	var failStreak int
	var retry *time.Timer
	var retryC <-chan time.Time
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry = nil
			retryC = nil
		}
	}
	defer stopRetry()

	runPass := func() {
		stopRetry()
		if err := e.syncPass(e.ctx); err != nil {
			e.logger.Warn("sync pass failed", "tenant", e.tenantID, "error", err)
			failStreak++
			d := computeBackoff(failStreak, e.config.InitialBackoff,
				e.config.MaxBackoff, e.config.BackoffMultiplier)
			retry = time.NewTimer(d)
			retryC = retry.C
			return
		}
		failStreak = 0
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-connEvents:
			if !ok {
				return
			}
			if ev.Online {
				runPass()
			}
		case <-ticker.C:
			runPass()
		case <-retryC:
			retry = nil
			retryC = nil
			runPass()
		case <-e.trigger:
			runPass()
		}
	}
}

// syncPass is the single-flight body: push, stuck sweep, then pull per
// collection. Offline passes return immediately without touching cursors.
func (e *SyncEngine) syncPass(ctx context.Context) error {
	if !e.monitor.Online() {
		return nil
	}

	e.mu.Lock()
	if e.syncing {
		e.rerun = true
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		again := e.rerun
		e.rerun = false
		e.mu.Unlock()
		if again {
			e.NudgeSync()
		}
	}()

	e.emit(Event{Type: EventSyncStarted, TenantID: e.tenantID})

	var firstErr error
	if err := e.pushPhase(ctx); err != nil {
		firstErr = err
	}

	if _, err := e.log.StuckMutations(ctx, e.config.MutationTTL); err != nil && firstErr == nil {
		firstErr = err
	}

	for _, collection := range e.collections() {
		if err := e.pullCollection(ctx, collection); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pull %s: %w", collection, err)
		}
	}

	e.lastSyncAt.Store(e.nowFn())
	if firstErr != nil {
		e.failedSyncs.Add(1)
		e.emit(Event{Type: EventSyncFailed, TenantID: e.tenantID, Error: firstErr.Error()})
		return firstErr
	}
	e.syncCount.Add(1)
	e.emit(Event{Type: EventSyncCompleted, TenantID: e.tenantID})
	return nil
}

// pushPhase drains up to one batch of pending mutations in append order.
// Mutations are acknowledged as a contiguous prefix; once any mutation
// fails, later successes are removed individually so the queue never
// reorders across an unacknowledged gap. A failure pins every later
// mutation of the same record, since those depend causally on the failed
// one.
func (e *SyncEngine) pushPhase(ctx context.Context) error {
	batch, err := e.log.PeekBatch(ctx, e.config.PushBatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	failedRecords := make(map[string]bool)
	prefixIntact := true
	var lastAcked *PendingMutation
	var outOfPrefix []string
	var firstErr error

	for _, m := range batch {
		key := m.Collection + "/" + m.RecordID
		if failedRecords[key] {
			prefixIntact = false
			continue
		}

		resp, err := e.transport.Push(ctx, m)
		if err != nil {
			prefixIntact = false
			failedRecords[key] = true
			if firstErr == nil {
				firstErr = err
			}
			if ferr := e.handlePushFailure(ctx, m, err); ferr != nil {
				e.logger.Warn("push failure handling failed",
					"mutation", m.MutationID, "error", ferr)
			}
			if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
				break
			}
			continue
		}

		e.pushedCount.Add(1)
		if prefixIntact {
			lastAcked = m
		} else {
			outOfPrefix = append(outOfPrefix, m.MutationID)
		}
		if err := e.confirmPush(ctx, m, resp); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if lastAcked != nil {
		if err := e.log.AckUpTo(ctx, lastAcked.MutationID); err != nil && firstErr == nil {
			firstErr = err
		}
		e.rememberAck(ctx, lastAcked.Collection, lastAcked.MutationID)
	}
	if len(outOfPrefix) > 0 {
		if err := e.log.DropSubsumed(ctx, outOfPrefix); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handlePushFailure routes a rejected push by its classification: retryable
// failures requeue in place, permanent and auth failures quarantine, and a
// conflict advisory leaves the mutation queued for the pull phase's
// resolver to subsume or rebuild.
func (e *SyncEngine) handlePushFailure(ctx context.Context, m *PendingMutation, cause error) error {
	switch SyncErrorTypeOf(cause) {
	case SyncErrorTypeConflict:
		e.NudgeSync()
		return e.log.Requeue(ctx, m.MutationID, cause)
	case SyncErrorTypePermanent, SyncErrorTypeAuth:
		return e.log.Quarantine(ctx, m, cause)
	default:
		if m.RetryCount+1 >= e.config.MaxRetries {
			return e.log.Quarantine(ctx, m, cause)
		}
		return e.log.Requeue(ctx, m.MutationID, cause)
	}
}

// confirmPush marks the record as server-confirmed when its current
// version is the one just acknowledged. Acknowledged tombstones complete
// their propagation round-trip and are garbage collected.
func (e *SyncEngine) confirmPush(ctx context.Context, m *PendingMutation, resp *PushResponse) error {
	rec, err := e.store.GetRecord(ctx, m.Collection, m.RecordID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Meta.MutationID != m.MutationID {
		// A newer local version exists; its own mutation will confirm it.
		return nil
	}

	if rec.Meta.Deleted {
		return e.store.RemoveRecord(ctx, m.Collection, m.RecordID)
	}

	rec.Meta.MutationID = ""
	rec.Meta.LastSyncedAt = resp.ServerTimestamp
	return e.store.PutRecord(ctx, m.Collection, rec)
}

func (e *SyncEngine) rememberAck(ctx context.Context, collection, mutationID string) {
	cursor, err := e.store.GetCursor(ctx, e.tenantID, collection)
	if err != nil {
		return
	}
	cursor.LastPushedMutation = mutationID
	if err := e.store.PutCursor(ctx, cursor); err != nil {
		e.logger.Warn("cursor update failed", "collection", collection, "error", err)
	}
}

// pullCollection applies server changes since the cursor. The cursor never
// regresses, and never advances past the earliest unresolved deferred
// conflict, so a crash between pulls replays rather than skips.
func (e *SyncEngine) pullCollection(ctx context.Context, collection string) error {
	repo := e.repoFor(collection)
	if repo == nil {
		return nil
	}

	cursor, err := e.store.GetCursor(ctx, e.tenantID, collection)
	if err != nil {
		return err
	}

	resp, err := e.transport.Pull(ctx, collection, cursor.LastPulledAt, e.config.PullMaxChanges)
	if err != nil {
		cursor.LastStatus = SyncFailed
		cursor.LastError = err.Error()
		if perr := e.store.PutCursor(ctx, cursor); perr != nil {
			e.logger.Warn("cursor update failed", "collection", collection, "error", perr)
		}
		return err
	}

	if resp.CursorLost || len(resp.Changes) > e.config.SnapshotDivergenceThreshold {
		return e.restoreFromSnapshot(ctx, collection)
	}

	var firstErr error
	applyFailed := false
	registry := e.resolver.Registry()
	for _, change := range resp.Changes {
		if change.TenantID != e.tenantID {
			// Changes for another tenant never apply; record and move on.
			e.emit(Event{Type: EventAudit, TenantID: e.tenantID, Collection: collection,
				RecordID: change.ID, Detail: "pulled change for foreign tenant refused"})
			continue
		}
		if registry.HasPending(collection, change.ID) {
			// Resolution pinned: no further changes land on this record
			// until the deferred conflict resumes.
			continue
		}
		if err := e.applyChange(ctx, repo, change, resp.ServerTimestamp); err != nil {
			applyFailed = true
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	advance := resp.ServerTimestamp
	if applyFailed {
		// An unapplied change must be re-pulled: the cursor stops short of
		// the batch that carried it.
		advance = resp.ServerTimestamp - 1
	}
	if earliest := registry.EarliestPending(collection); earliest > 0 && earliest <= advance {
		advance = earliest - 1
	}
	if advance > cursor.LastPulledAt {
		cursor.LastPulledAt = advance
	}
	if firstErr != nil {
		cursor.LastStatus = SyncFailed
		cursor.LastError = firstErr.Error()
	} else {
		cursor.LastStatus = SyncSuccess
		cursor.LastError = ""
	}
	if err := e.store.PutCursor(ctx, cursor); err != nil && firstErr == nil {
		firstErr = err
	}
	e.pulledCount.Add(int64(len(resp.Changes)))
	return firstErr
}

// applyChange classifies one pulled change against local state. Records
// without unpushed divergence fast-forward; diverged records go through
// causal detection, with the vector clocks authoritative when both sides
// carry them and the version delta as the fallback.
func (e *SyncEngine) applyChange(ctx context.Context, repo *Repository, change *Record, serverTS int64) error {
	local, err := repo.Get(ctx, change.ID)
	if errors.Is(err, ErrNotFound) {
		e.seedClock(change.Meta.VectorClock)
		return repo.ApplyRemote(ctx, change, serverTS)
	}
	if err != nil {
		return err
	}

	if local.Meta.MutationID == "" {
		if change.Meta.Version <= local.Meta.Version {
			// Stale echo of state the store already holds; versions only
			// move forward.
			return nil
		}
		e.seedClock(change.Meta.VectorClock)
		return repo.ApplyRemote(ctx, change, serverTS)
	}

	// Local divergence exists. Decide subsumption before declaring a
	// conflict.
	lc, ic := local.Meta.VectorClock, change.Meta.VectorClock
	if len(lc) > 0 && len(ic) > 0 {
		lvc := NewVectorClockFromMap(lc)
		ivc := NewVectorClockFromMap(ic)
		switch {
		case lvc.HappensBefore(ivc):
			// Incoming already includes the local write.
			if err := e.log.DropSubsumed(ctx, []string{local.Meta.MutationID}); err != nil {
				return err
			}
			e.seedClock(ic)
			return repo.ApplyRemote(ctx, change, serverTS)
		case ivc.HappensBefore(lvc), lvc.Equal(ivc):
			// Local is ahead of or equal to the incoming state; the push
			// phase carries it forward.
			return nil
		}
	} else if change.Meta.Version == local.Meta.Version && change.Meta.UpdatedAt == local.Meta.UpdatedAt {
		return nil
	}

	return e.resolveConflict(ctx, repo, local, change, serverTS)
}

func (e *SyncEngine) resolveConflict(ctx context.Context, repo *Repository, local, change *Record, serverTS int64) error {
	collection := repo.Collection()
	winner, outcome, deferred, err := e.resolver.Resolve(collection, local, change, serverTS)

	if outcome == OutcomeDeferred {
		e.deferredCount.Add(1)
		e.emit(Event{
			Type:       EventConflictDetected,
			TenantID:   e.tenantID,
			Collection: collection,
			RecordID:   local.ID,
			ConflictID: deferred.ID,
		})
		return nil
	}
	if err != nil {
		return err
	}

	e.conflictCount.Add(1)
	defer e.emit(Event{
		Type:       EventConflictResolved,
		TenantID:   e.tenantID,
		Collection: collection,
		RecordID:   local.ID,
	})

	if outcome == OutcomeRemote {
		if local.Meta.MutationID != "" {
			if err := e.log.DropSubsumed(ctx, []string{local.Meta.MutationID}); err != nil {
				return err
			}
		}
		e.seedClock(change.Meta.VectorClock)
		// The resolved record supersedes both sides, so its version jumps
		// past both even when the incoming state wins whole.
		rec := winner.Clone()
		rec.Meta.Version = maxInt64(local.Meta.Version, change.Meta.Version) + 1
		return repo.ApplyRemote(ctx, rec, serverTS)
	}

	// Local or merged result: the divergence survives resolution and must
	// reach the server, so the old mutation is rebuilt under a fresh id.
	return e.writeResolved(ctx, repo, local, change, winner, serverTS)
}

// writeResolved commits a resolution that kept local state (wholly or
// merged): version jumps past both sides, the clock merges both histories,
// and a rebuilt mutation re-enters the queue.
func (e *SyncEngine) writeResolved(ctx context.Context, repo *Repository, local, change, winner *Record, serverTS int64) error {
	if local.Meta.MutationID != "" {
		if err := e.log.DropSubsumed(ctx, []string{local.Meta.MutationID}); err != nil {
			return err
		}
	}

	e.seedClock(local.Meta.VectorClock)
	e.seedClock(change.Meta.VectorClock)
	e.clock.Increment(e.clientID)

	now := e.nowFn()
	rec := winner.Clone()
	rec.TenantID = e.tenantID
	rec.Meta.CreatedAt = minNonZero(local.Meta.CreatedAt, change.Meta.CreatedAt)
	rec.Meta.UpdatedAt = now
	rec.Meta.Version = maxInt64(local.Meta.Version, change.Meta.Version) + 1
	rec.Meta.LastSyncedAt = serverTS
	rec.Meta.ClientID = e.clientID
	rec.Meta.MutationID = NewMutationID()
	rec.Meta.VectorClock = e.clock.Snapshot()

	kind := MutationUpdate
	if rec.Meta.Deleted {
		kind = MutationDelete
	}
	m := &PendingMutation{
		MutationID:  rec.Meta.MutationID,
		TenantID:    e.tenantID,
		Kind:        kind,
		Collection:  repo.Collection(),
		RecordID:    rec.ID,
		Payload:     rec.Payload,
		Version:     rec.Meta.Version,
		Timestamp:   now,
		VectorClock: rec.Meta.VectorClock,
	}

	if err := e.store.PutRecordWithMutation(ctx, repo.Collection(), rec, m); err != nil {
		return err
	}
	repo.emitChanged(rec.ID)
	return nil
}

// applyResolvedConflict is the registry's resume hook. The chosen record
// is written through the resolved path (version past both sides,
// re-pushed) and a sync pass is requested.
func (e *SyncEngine) applyResolvedConflict(c *DeferredConflict, winner *Record) error {
	if winner == nil {
		return errors.New("resolved record is required")
	}
	repo := e.repoFor(c.Collection)
	if repo == nil {
		return fmt.Errorf("no repository for collection %q", c.Collection)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.writeResolved(ctx, repo, c.Local, c.Incoming, winner, c.OriginTimestamp); err != nil {
		return err
	}

	e.emit(Event{
		Type:       EventConflictResolved,
		TenantID:   e.tenantID,
		Collection: c.Collection,
		RecordID:   c.RecordID,
		ConflictID: c.ID,
	})
	e.NudgeSync()
	return nil
}

// seedClock folds an observed remote clock into the tenant clock so later
// local writes dominate everything already seen.
func (e *SyncEngine) seedClock(observed map[string]uint64) {
	if len(observed) == 0 {
		return
	}
	e.clock.Merge(NewVectorClockFromMap(observed))
}

func (e *SyncEngine) emit(ev Event) {
	if e.events != nil {
		e.events.Emit(ev)
	}
}

// SyncEngineStats contains sync engine statistics.
type SyncEngineStats struct {
	Running           bool   `json:"running"`
	LastSyncAt        int64  `json:"last_sync_at"`
	SyncCount         int64  `json:"sync_count"`
	FailedSyncs       int64  `json:"failed_syncs"`
	MutationsPushed   int64  `json:"mutations_pushed"`
	ChangesPulled     int64  `json:"changes_pulled"`
	ConflictsResolved int64  `json:"conflicts_resolved"`
	ConflictsDeferred int64  `json:"conflicts_deferred"`
	BreakerState      string `json:"breaker_state"`
}

// Stats returns sync engine statistics.
func (e *SyncEngine) Stats() SyncEngineStats {
	return SyncEngineStats{
		Running:           e.running.Load(),
		LastSyncAt:        e.lastSyncAt.Load(),
		SyncCount:         e.syncCount.Load(),
		FailedSyncs:       e.failedSyncs.Load(),
		MutationsPushed:   e.pushedCount.Load(),
		ChangesPulled:     e.pulledCount.Load(),
		ConflictsResolved: e.conflictCount.Load(),
		ConflictsDeferred: e.deferredCount.Load(),
		BreakerState:      e.transport.BreakerState(),
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minNonZero(a, b int64) int64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
