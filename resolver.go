package tether

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ResolveStrategy names a conflict resolution strategy. Strategies form a
// closed set selected by name, per collection or per call; the
// operational-merge variant additionally carries a registered merge
// function.
type ResolveStrategy string

const (
	// ResolveLastWriteWins elects the side with the higher updatedAt;
	// ties break deterministically on clientID.
	ResolveLastWriteWins ResolveStrategy = "last-write-wins"
	// ResolveFirstWriteWins mirrors last-write-wins.
	ResolveFirstWriteWins ResolveStrategy = "first-write-wins"
	// ResolveFieldMerge unions per-field, taking the later timestamp per
	// field from the payload's versionedPerField map.
	ResolveFieldMerge ResolveStrategy = "field-merge"
	// ResolveOperationalMerge applies a registered merge function. The
	// function must be pure, commutative on concurrent inputs, and
	// identity on equal inputs.
	ResolveOperationalMerge ResolveStrategy = "operational-merge"
	// ResolveManual suspends resolution: the conflict enters the
	// deferred registry and a conflict-detected event carries both sides
	// plus a resume handle.
	ResolveManual ResolveStrategy = "manual"
)

// Valid reports whether the strategy is one of the known variants.
func (s ResolveStrategy) Valid() bool {
	switch s {
	case ResolveLastWriteWins, ResolveFirstWriteWins, ResolveFieldMerge,
		ResolveOperationalMerge, ResolveManual:
		return true
	}
	return false
}

// ResolutionOutcome reports which side a resolution elected. The sync
// engine keeps or drops the local pending mutation accordingly.
type ResolutionOutcome int

const (
	// OutcomeLocal means the local side won; its unpushed mutation stays
	// queued.
	OutcomeLocal ResolutionOutcome = iota
	// OutcomeRemote means the incoming side won; subsumed local
	// mutations are dropped.
	OutcomeRemote
	// OutcomeMerged means the result combines both sides; subsumed local
	// mutations are dropped and the merge is re-pushed.
	OutcomeMerged
	// OutcomeDeferred means the manual strategy suspended the
	// resolution.
	OutcomeDeferred
)

// MergeFunc is a user-supplied operational merge over two complete
// records. It must be pure, commutative on concurrent inputs, identity on
// equal inputs, and must not perform I/O.
type MergeFunc func(local, incoming *Record) (*Record, error)

// DeferredConflict is a suspended manual resolution held in the registry.
// Resolution resumes through the registry, not through an exception path.
type DeferredConflict struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenant_id"`
	Collection string  `json:"collection"`
	RecordID   string  `json:"record_id"`
	Local      *Record `json:"local"`
	Incoming   *Record `json:"incoming"`

	// OriginTimestamp is the incoming change's server timestamp. The
	// cursor for the collection is never advanced past the earliest
	// unresolved conflict's origin.
	OriginTimestamp int64 `json:"origin_timestamp"`

	DetectedAt int64 `json:"detected_at"`
}

// ConflictRegistry holds deferred conflicts awaiting manual resolution.
type ConflictRegistry struct {
	mu        sync.Mutex
	conflicts map[string]*DeferredConflict

	// onResolve is installed by the sync engine; it writes the chosen
	// record through the apply path so the usual invariants hold.
	onResolve func(c *DeferredConflict, winner *Record) error
}

// NewConflictRegistry creates an empty registry.
func NewConflictRegistry() *ConflictRegistry {
	return &ConflictRegistry{
		conflicts: make(map[string]*DeferredConflict),
	}
}

func (r *ConflictRegistry) register(c *DeferredConflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts[c.ID] = c
}

// List returns all pending deferred conflicts.
func (r *ConflictRegistry) List() []*DeferredConflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*DeferredConflict, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		out = append(out, c)
	}
	return out
}

// Get returns a deferred conflict by id.
func (r *ConflictRegistry) Get(id string) (*DeferredConflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	return c, ok
}

// Resolve resumes a deferred conflict with the caller's chosen record. The
// winner must be a complete record; the registry hands it to the engine's
// apply hook and drops the conflict on success.
func (r *ConflictRegistry) Resolve(id string, winner *Record) error {
	r.mu.Lock()
	c, ok := r.conflicts[id]
	onResolve := r.onResolve
	r.mu.Unlock()

	if !ok {
		return ErrConflictNotFound
	}
	if onResolve != nil {
		if err := onResolve(c, winner); err != nil {
			return err
		}
	}

	r.mu.Lock()
	delete(r.conflicts, id)
	r.mu.Unlock()
	return nil
}

// EarliestPending returns the smallest origin timestamp among deferred
// conflicts for a collection, or zero when none are pending. Cursor
// advancement stops there.
func (r *ConflictRegistry) EarliestPending(collection string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var earliest int64
	for _, c := range r.conflicts {
		if c.Collection != collection {
			continue
		}
		if earliest == 0 || c.OriginTimestamp < earliest {
			earliest = c.OriginTimestamp
		}
	}
	return earliest
}

// HasPending reports whether a (collection, record) pair has an unresolved
// deferred conflict.
func (r *ConflictRegistry) HasPending(collection, recordID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.conflicts {
		if c.Collection == collection && c.RecordID == recordID {
			return true
		}
	}
	return false
}

// ConflictResolver selects and runs resolution strategies. Resolvers never
// return partial state: the result is a complete record ready to be
// written. They are pure with respect to their inputs and clock-derived
// fields and perform no I/O.
type ConflictResolver struct {
	mu            sync.RWMutex
	defaultStrat  ResolveStrategy
	perCollection map[string]ResolveStrategy
	mergeFns      map[string]MergeFunc
	registry      *ConflictRegistry

	resolvedCount atomic.Int64
}

// NewConflictResolver creates a resolver with the given default strategy.
func NewConflictResolver(defaultStrategy ResolveStrategy, registry *ConflictRegistry) *ConflictResolver {
	if !defaultStrategy.Valid() {
		defaultStrategy = ResolveLastWriteWins
	}
	if registry == nil {
		registry = NewConflictRegistry()
	}
	return &ConflictResolver{
		defaultStrat:  defaultStrategy,
		perCollection: make(map[string]ResolveStrategy),
		mergeFns:      make(map[string]MergeFunc),
		registry:      registry,
	}
}

// Registry returns the deferred-conflict registry.
func (cr *ConflictResolver) Registry() *ConflictRegistry {
	return cr.registry
}

// ResolvedCount returns the number of conflicts resolved automatically.
func (cr *ConflictResolver) ResolvedCount() int64 {
	return cr.resolvedCount.Load()
}

// SetStrategy overrides the strategy for one collection.
func (cr *ConflictResolver) SetStrategy(collection string, strategy ResolveStrategy) error {
	if !strategy.Valid() {
		return fmt.Errorf("unknown resolver strategy %q", strategy)
	}
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.perCollection[collection] = strategy
	return nil
}

// RegisterMergeFunc installs the operational merge function for a
// collection. An empty collection sets the default.
func (cr *ConflictResolver) RegisterMergeFunc(collection string, fn MergeFunc) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.mergeFns[collection] = fn
}

func (cr *ConflictResolver) strategyFor(collection string) ResolveStrategy {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	if s, ok := cr.perCollection[collection]; ok {
		return s
	}
	return cr.defaultStrat
}

func (cr *ConflictResolver) mergeFnFor(collection string) MergeFunc {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	if fn, ok := cr.mergeFns[collection]; ok {
		return fn
	}
	return cr.mergeFns[""]
}

// Resolve runs the configured strategy for the collection over a
// conflicting (local, incoming) pair. For the manual strategy the conflict
// enters the registry and the deferred conflict is returned so the caller
// can emit the conflict-detected event.
func (cr *ConflictResolver) Resolve(collection string, local, incoming *Record, originTimestamp int64) (*Record, ResolutionOutcome, *DeferredConflict, error) {
	strategy := cr.strategyFor(collection)

	switch strategy {
	case ResolveLastWriteWins:
		rec, outcome := electByTimestamp(local, incoming, true)
		cr.resolvedCount.Add(1)
		return rec, outcome, nil, nil

	case ResolveFirstWriteWins:
		rec, outcome := electByTimestamp(local, incoming, false)
		cr.resolvedCount.Add(1)
		return rec, outcome, nil, nil

	case ResolveFieldMerge:
		rec, err := mergeFields(local, incoming)
		if err != nil {
			return nil, 0, nil, err
		}
		cr.resolvedCount.Add(1)
		return rec, OutcomeMerged, nil, nil

	case ResolveOperationalMerge:
		fn := cr.mergeFnFor(collection)
		if fn == nil {
			return nil, 0, nil, fmt.Errorf("no merge function registered for collection %q", collection)
		}
		rec, err := fn(local.Clone(), incoming.Clone())
		if err != nil {
			return nil, 0, nil, err
		}
		cr.resolvedCount.Add(1)
		return rec, OutcomeMerged, nil, nil

	case ResolveManual:
		conflict := &DeferredConflict{
			ID:              NewConflictID(),
			TenantID:        local.TenantID,
			Collection:      collection,
			RecordID:        local.ID,
			Local:           local.Clone(),
			Incoming:        incoming.Clone(),
			OriginTimestamp: originTimestamp,
			DetectedAt:      time.Now().UnixMilli(),
		}
		cr.registry.register(conflict)
		return nil, OutcomeDeferred, conflict, ErrConflictDeferred

	default:
		return nil, 0, nil, fmt.Errorf("unknown resolver strategy %q", strategy)
	}
}

// electByTimestamp picks a whole side by updatedAt. Ties break on the
// writing client's id so both replicas elect the same winner.
func electByTimestamp(local, incoming *Record, laterWins bool) (*Record, ResolutionOutcome) {
	localWins := false
	switch {
	case local.Meta.UpdatedAt > incoming.Meta.UpdatedAt:
		localWins = laterWins
	case local.Meta.UpdatedAt < incoming.Meta.UpdatedAt:
		localWins = !laterWins
	default:
		localWins = local.Meta.ClientID > incoming.Meta.ClientID
	}

	if localWins {
		return local.Clone(), OutcomeLocal
	}
	return incoming.Clone(), OutcomeRemote
}

// versionedPerFieldKey is the reserved payload field mapping field name to
// the Unix-millisecond timestamp of its last change.
const versionedPerFieldKey = "versionedPerField"

// mergeFields unions the two payloads per field, keeping each field from
// the side whose versionedPerField timestamp is later. Fields without a
// per-field timestamp defer to the side that wrote earlier.
func mergeFields(local, incoming *Record) (*Record, error) {
	var localFields, incomingFields map[string]json.RawMessage
	if err := json.Unmarshal(orEmptyObject(local.Payload), &localFields); err != nil {
		return nil, fmt.Errorf("field-merge: local payload is not an object: %w", err)
	}
	if err := json.Unmarshal(orEmptyObject(incoming.Payload), &incomingFields); err != nil {
		return nil, fmt.Errorf("field-merge: incoming payload is not an object: %w", err)
	}

	localTimes := fieldTimes(localFields)
	incomingTimes := fieldTimes(incomingFields)

	// The earlier side supplies fields that carry no per-field
	// timestamp.
	earlier, later := localFields, incomingFields
	if local.Meta.UpdatedAt > incoming.Meta.UpdatedAt {
		earlier, later = incomingFields, localFields
	}

	merged := make(map[string]json.RawMessage)
	for k, v := range earlier {
		merged[k] = v
	}
	for k, v := range later {
		if _, timestamped := localTimes[k]; !timestamped {
			if _, timestamped := incomingTimes[k]; !timestamped {
				continue
			}
		}
		merged[k] = v
	}

	mergedTimes := make(map[string]int64)
	for k := range merged {
		if k == versionedPerFieldKey {
			continue
		}
		lt, lok := localTimes[k]
		it, iok := incomingTimes[k]
		switch {
		case lok && (!iok || lt >= it):
			merged[k] = localFields[k]
			mergedTimes[k] = lt
		case iok:
			merged[k] = incomingFields[k]
			mergedTimes[k] = it
		}
	}

	if len(mergedTimes) > 0 {
		encoded, err := json.Marshal(mergedTimes)
		if err != nil {
			return nil, err
		}
		merged[versionedPerFieldKey] = encoded
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}

	// Base the merged record on the later side's metadata.
	base := incoming
	if local.Meta.UpdatedAt > incoming.Meta.UpdatedAt {
		base = local
	}
	rec := base.Clone()
	rec.Payload = payload
	return rec, nil
}

func fieldTimes(fields map[string]json.RawMessage) map[string]int64 {
	raw, ok := fields[versionedPerFieldKey]
	if !ok {
		return nil
	}
	var times map[string]int64
	if err := json.Unmarshal(raw, &times); err != nil {
		return nil
	}
	return times
}

func orEmptyObject(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage(`{}`)
	}
	return payload
}
