package tether

import (
	"context"
	"errors"
	"time"
)

// Repository is the typed read/write surface over the local store for one
// collection, bound to an authenticated tenant context. All metadata
// stamping is centralized here: callers cannot forge version, updatedAt, or
// deleted. Every successful local write produces exactly one pending
// mutation, committed in the same store transaction as the record.
type Repository struct {
	store      *LocalStore
	collection string
	tenantID   string
	clientID   string
	clock      *VectorClock
	events     *EventBus

	// nowFn is the clock injection point for tests.
	nowFn func() int64
}

// NewRepository creates a repository for one collection in the caller's
// tenant. The vector clock is shared across the tenant's repositories so
// causality spans collections.
func NewRepository(store *LocalStore, collection, tenantID, clientID string, clock *VectorClock, events *EventBus) *Repository {
	if clock == nil {
		clock = NewVectorClock()
	}
	return &Repository{
		store:      store,
		collection: collection,
		tenantID:   tenantID,
		clientID:   clientID,
		clock:      clock,
		events:     events,
		nowFn:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Collection returns the collection name this repository serves.
func (r *Repository) Collection() string {
	return r.collection
}

// Get returns the current local view of a record, including tombstones
// flagged deleted=true. Callers filter tombstones themselves.
func (r *Repository) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := r.store.GetRecord(ctx, r.collection, id)
	if err != nil {
		return nil, err
	}
	if rec.TenantID != r.tenantID {
		// A record under this id belongs to another tenant; to this
		// context it does not exist.
		return nil, ErrNotFound
	}
	return rec, nil
}

// GetAll returns all records for the tenant, optionally filtered and
// ordered by the query's secondary index. The result is finite and
// non-lazy.
func (r *Repository) GetAll(ctx context.Context, q RecordQuery) ([]*Record, error) {
	q.IncludeDeleted = true
	return r.store.ListRecords(ctx, r.collection, r.tenantID, q)
}

// Put writes the record with centrally stamped metadata and appends a
// create or update mutation in the same transaction. The caller's tenant
// must match the record's tenant; an empty tenant is stamped from context.
func (r *Repository) Put(ctx context.Context, item *Record) error {
	if item.ID == "" {
		return errors.New("record id is required")
	}
	if item.TenantID == "" {
		item.TenantID = r.tenantID
	}
	if item.TenantID != r.tenantID {
		return newStoreError(StoreErrorTypeTenant, "record tenant differs from caller context", r.collection, nil)
	}

	now := r.nowFn()
	kind := MutationCreate

	prev, err := r.store.GetRecord(ctx, r.collection, item.ID)
	switch {
	case err == nil:
		if prev.TenantID != r.tenantID {
			return newStoreError(StoreErrorTypeTenant, "record tenant differs from caller context", r.collection, nil)
		}
		kind = MutationUpdate
		item.Meta.CreatedAt = prev.Meta.CreatedAt
		item.Meta.Version = prev.Meta.Version + 1
		item.Meta.LastSyncedAt = prev.Meta.LastSyncedAt
	case errors.Is(err, ErrNotFound):
		item.Meta.CreatedAt = now
		item.Meta.Version = 1
	default:
		return err
	}

	r.clock.Increment(r.clientID)
	mutationID := NewMutationID()

	item.Meta.UpdatedAt = now
	item.Meta.Deleted = false
	item.Meta.MutationID = mutationID
	item.Meta.ClientID = r.clientID
	item.Meta.VectorClock = r.clock.Snapshot()

	m := &PendingMutation{
		MutationID:  mutationID,
		TenantID:    r.tenantID,
		Kind:        kind,
		Collection:  r.collection,
		RecordID:    item.ID,
		Payload:     item.Payload,
		Version:     item.Meta.Version,
		Timestamp:   now,
		VectorClock: item.Meta.VectorClock,
	}

	if err := r.store.PutRecordWithMutation(ctx, r.collection, item, m); err != nil {
		r.reportWriteFailure(item.ID, err)
		return err
	}

	r.emitChanged(item.ID)
	return nil
}

// Delete soft-deletes a record: the row is rewritten as a tombstone with a
// bumped version and a delete mutation is appended in the same transaction.
// The tombstone remains until a successful sync confirms propagation.
func (r *Repository) Delete(ctx context.Context, id string) error {
	prev, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	now := r.nowFn()
	r.clock.Increment(r.clientID)
	mutationID := NewMutationID()

	rec := prev.Clone()
	rec.Meta.UpdatedAt = now
	rec.Meta.Version = prev.Meta.Version + 1
	rec.Meta.Deleted = true
	rec.Meta.MutationID = mutationID
	rec.Meta.ClientID = r.clientID
	rec.Meta.VectorClock = r.clock.Snapshot()

	m := &PendingMutation{
		MutationID:  mutationID,
		TenantID:    r.tenantID,
		Kind:        MutationDelete,
		Collection:  r.collection,
		RecordID:    id,
		Version:     rec.Meta.Version,
		Timestamp:   now,
		VectorClock: rec.Meta.VectorClock,
	}

	if err := r.store.PutRecordWithMutation(ctx, r.collection, rec, m); err != nil {
		r.reportWriteFailure(id, err)
		return err
	}

	r.emitChanged(id)
	return nil
}

// Clear destroys all records and pending mutations for the collection in
// the caller's tenant. Administrative; never cross-tenant.
func (r *Repository) Clear(ctx context.Context) error {
	return r.store.ClearCollection(ctx, r.collection, r.tenantID)
}

// ApplyRemote writes a server-originated change. Metadata is stamped but no
// mutation is appended: the server is the origin, so there is nothing to
// push back. Tombstoned incoming records whose local counterpart carries no
// unpushed divergence are garbage collected.
func (r *Repository) ApplyRemote(ctx context.Context, incoming *Record, serverTimestamp int64) error {
	if incoming.TenantID != r.tenantID {
		return newStoreError(StoreErrorTypeTenant, "incoming record tenant differs from caller context", r.collection, nil)
	}

	rec := incoming.Clone()
	rec.Meta.LastSyncedAt = serverTimestamp
	rec.Meta.MutationID = ""
	if rec.Meta.CreatedAt == 0 {
		rec.Meta.CreatedAt = r.nowFn()
	}

	if rec.Meta.Deleted {
		// Tombstone confirmed by the server: the propagation round-trip
		// is complete, so the row can go.
		if err := r.store.RemoveRecord(ctx, r.collection, rec.ID); err != nil {
			return err
		}
		r.emitChanged(rec.ID)
		return nil
	}

	if err := r.store.PutRecord(ctx, r.collection, rec); err != nil {
		r.reportWriteFailure(rec.ID, err)
		return err
	}

	r.emitChanged(rec.ID)
	return nil
}

func (r *Repository) emitChanged(id string) {
	if r.events == nil {
		return
	}
	r.events.Emit(Event{
		Type:       EventRecordChanged,
		TenantID:   r.tenantID,
		Collection: r.collection,
		RecordID:   id,
	})
}

func (r *Repository) reportWriteFailure(id string, err error) {
	if r.events == nil {
		return
	}
	if errors.Is(err, ErrStorageExhausted) {
		r.events.Emit(Event{
			Type:       EventStorageExhausted,
			TenantID:   r.tenantID,
			Collection: r.collection,
			RecordID:   id,
			Error:      err.Error(),
		})
	}
}
