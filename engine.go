package tether

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Engine is the top-level handle over one tenant's offline-first state:
// repositories for reads and writes, background sync, the realtime
// channel, and the event stream. An Engine owns its local store and all
// background goroutines; Close releases everything.
type Engine struct {
	config Config
	logger *slog.Logger

	store      *LocalStore
	events     *EventBus
	clock      *VectorClock
	log        *MutationLog
	transport  *Transport
	monitor    *ConnectivityMonitor
	resolver   *ConflictResolver
	sync       *SyncEngine
	channel    *RealtimeChannel
	classifier *Classifier

	mu    sync.Mutex
	repos map[string]*Repository

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Open creates an engine from the configuration. The local store is opened
// immediately; background work starts with Start.
func Open(config Config) (*Engine, error) {
	config.normalize()
	if err := config.validate(); err != nil {
		return nil, err
	}

	store, err := NewLocalStore(config.Store)
	if err != nil {
		return nil, err
	}

	events := NewEventBus(config.Realtime.BufferSize)
	clock := NewVectorClock()
	log := NewMutationLog(store, config.TenantID, events)
	transport := NewTransport(config.Endpoint, config.AuthToken, config.TenantID, config.HTTPClient, config.Sync)
	monitor := NewConnectivityMonitor(transport, config.Connectivity)
	resolver := NewConflictResolver(config.Sync.ResolverStrategy, nil)

	syncEngine := NewSyncEngine(config.Sync, config.TenantID, config.ClientID,
		store, log, transport, resolver, monitor, events, clock, config.Logger)
	if config.Archive != nil {
		syncEngine.setArchive(config.Archive)
	}

	e := &Engine{
		config:    config,
		logger:    config.Logger,
		store:     store,
		events:    events,
		clock:     clock,
		log:       log,
		transport: transport,
		monitor:   monitor,
		resolver:  resolver,
		sync:      syncEngine,
		repos:     make(map[string]*Repository),
		done:      make(chan struct{}),
	}

	if config.Realtime.URL != "" {
		e.channel = NewRealtimeChannel(config.Realtime, config.TenantID,
			config.ClientID, config.AuthToken, events, config.Logger)
		e.channel.SetSyncHint(syncEngine.NudgeSync)
	}
	e.classifier = NewClassifier(e.channel, syncEngine)

	return e, nil
}

// Start launches connectivity probing, background sync, and the realtime
// channel.
func (e *Engine) Start() {
	if e.running.Swap(true) {
		return
	}

	e.wg.Add(1)
	go e.forwardConnectivity()

	e.monitor.Start()
	e.sync.Start()
	if e.channel != nil {
		e.channel.Start()
	}

	e.logger.Info("engine started",
		"tenant", e.config.TenantID,
		"client", e.config.ClientID,
		"realtime", e.channel != nil)
}

// forwardConnectivity republishes connectivity transitions on the event
// bus.
func (e *Engine) forwardConnectivity() {
	defer e.wg.Done()

	id, transitions := e.monitor.Subscribe()
	defer e.monitor.Unsubscribe(id)

	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-transitions:
			if !ok {
				return
			}
			eventType := EventOffline
			if ev.Online {
				eventType = EventOnline
			}
			e.events.Emit(Event{Type: eventType, TenantID: e.config.TenantID})
		}
	}
}

// Stop halts background work without closing the store. Pending mutations
// and cursors survive; a later Start resumes where sync left off.
func (e *Engine) Stop() {
	if !e.running.Swap(false) {
		return
	}

	if e.channel != nil {
		e.channel.Stop()
	}
	e.sync.Stop()
	e.monitor.Stop()

	close(e.done)
	e.wg.Wait()
	e.done = make(chan struct{})
}

// Close stops the engine and releases the local store.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.Stop()
	e.events.Close()
	return e.store.Close()
}

// Repository returns the typed surface for a collection, creating it on
// first use. Repositories share the tenant's vector clock so causality
// spans collections.
func (e *Engine) Repository(collection string) *Repository {
	e.mu.Lock()
	defer e.mu.Unlock()

	if repo, ok := e.repos[collection]; ok {
		return repo
	}
	repo := NewRepository(e.store, collection, e.config.TenantID, e.config.ClientID, e.clock, e.events)
	e.repos[collection] = repo
	e.sync.RegisterCollection(collection, repo)
	return repo
}

// SyncNow runs one sync pass synchronously. Passes already in flight
// coalesce.
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.sync.SyncNow(ctx)
}

// Online reports the effective connectivity state.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// SetNetworkAvailable feeds the host's advertised reachability signal.
func (e *Engine) SetNetworkAvailable(available bool) {
	e.monitor.SetNetworkAvailable(available)
}

// Subscribe returns an event subscription matching the filter.
func (e *Engine) Subscribe(filter EventFilter) *EventSubscription {
	return e.events.Subscribe(filter)
}

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus {
	return e.events
}

// Conflicts returns the deferred conflicts awaiting manual resolution.
func (e *Engine) Conflicts() []*DeferredConflict {
	return e.resolver.Registry().List()
}

// ResolveConflict resumes a deferred conflict with the caller's chosen
// record.
func (e *Engine) ResolveConflict(conflictID string, winner *Record) error {
	return e.resolver.Registry().Resolve(conflictID, winner)
}

// SetResolveStrategy overrides the conflict strategy for one collection.
func (e *Engine) SetResolveStrategy(collection string, strategy ResolveStrategy) error {
	return e.resolver.SetStrategy(collection, strategy)
}

// RegisterMergeFunc installs the operational merge function for a
// collection. An empty collection sets the default.
func (e *Engine) RegisterMergeFunc(collection string, fn MergeFunc) {
	e.resolver.RegisterMergeFunc(collection, fn)
}

// Publish sends a payload by interaction class: realtime when the channel
// is live, the class's fallback otherwise. Class D is refused.
func (e *Engine) Publish(ctx context.Context, class InteractionClass, roomID, recipientID string, payload json.RawMessage) error {
	return e.classifier.Publish(ctx, class, roomID, recipientID, payload)
}

// Realtime returns the realtime channel, or nil when disabled.
func (e *Engine) Realtime() *RealtimeChannel {
	return e.channel
}

// Quarantine returns the terminal-failed mutation sub-queue.
func (e *Engine) Quarantine(ctx context.Context) ([]*PendingMutation, error) {
	return e.log.QuarantineList(ctx)
}

// Redrive returns a quarantined mutation to the pending queue.
func (e *Engine) Redrive(ctx context.Context, mutationID string) error {
	return e.log.Redrive(ctx, mutationID)
}

// BuildSnapshot serializes a collection's local state into a checksummed
// snapshot.
func (e *Engine) BuildSnapshot(ctx context.Context, collection string) (*Snapshot, error) {
	return e.sync.BuildSnapshot(ctx, collection)
}

// WipeTenant destroys every local row belonging to the tenant: records,
// pending mutations, cursors, and snapshots. Called on logout or tenant
// switch; the engine should be stopped first.
func (e *Engine) WipeTenant(ctx context.Context) error {
	if err := e.store.WipeTenant(ctx, e.config.TenantID); err != nil {
		return fmt.Errorf("wipe tenant: %w", err)
	}
	e.logger.Info("tenant state wiped", "tenant", e.config.TenantID)
	return nil
}

// EngineStats aggregates component statistics.
type EngineStats struct {
	TenantID string               `json:"tenant_id"`
	Running  bool                 `json:"running"`
	Online   bool                 `json:"online"`
	Store    *LocalStoreStats     `json:"store,omitempty"`
	Sync     SyncEngineStats      `json:"sync"`
	Events   EventBusStats        `json:"events"`
	Realtime RealtimeChannelStats `json:"realtime,omitempty"`
}

// Stats returns aggregated engine statistics.
func (e *Engine) Stats(ctx context.Context) (*EngineStats, error) {
	storeStats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	stats := &EngineStats{
		TenantID: e.config.TenantID,
		Running:  e.running.Load(),
		Online:   e.monitor.Online(),
		Store:    storeStats,
		Sync:     e.sync.Stats(),
		Events:   e.events.Stats(),
	}
	if e.channel != nil {
		stats.Realtime = e.channel.Stats()
	}
	return stats, nil
}
